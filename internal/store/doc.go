// Package store provides persistence for users, sessions, rooms, memberships,
// messages, invitations and the audit log.
//
// The package exposes narrow port interfaces (UserStore, RoomStore, ...) plus
// the combined Store interface, and a single SQLite-backed implementation.
// Writes that must be atomic (room + owner membership, invitation resolution +
// membership) run inside one transaction. Unique-constraint violations surface
// as typed errors such as ErrNameTaken and ErrRoomNameTaken.
//
// Message ids are assigned by SQLite AUTOINCREMENT, so they are globally
// monotonic and therefore monotonic within each room. Deleted messages are
// tombstoned: content is cleared but the row survives so history positions and
// ids are preserved.
package store
