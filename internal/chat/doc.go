// Package chat implements the chat engine: the authoritative in-memory model
// of users, rooms, memberships, presence and message routing. All adapters
// mutate domain state exclusively through its command methods; domain events
// are published through the dispatcher only after the storage write commits.
package chat
