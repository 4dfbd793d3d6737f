// Package auth provides credential hashing, bearer token issuance and
// verification, and the request-scoped AuthContext carrier.
//
// Passwords are hashed with argon2id and stored as PHC strings so the
// parameters travel with the hash. Tokens are HS256 JWTs whose payload carries
// sub (user id), sid (session id), role, exp and iat; session revocation is
// the session manager's concern and is checked through the TokenValidator
// interface used by the HTTP middleware.
package auth
