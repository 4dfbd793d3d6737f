// Package session owns the authentication core: credential verification with
// lockout, token issuance and validation, and session revocation paths.
package session
