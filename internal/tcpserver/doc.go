// Package tcpserver implements the real-time TCP adapter.
//
// Each accepted socket runs one goroutine driving the connection state
// machine: Handshake, optional KeyExchange, Authentication, Operational.
// The operational loop is a single select over inbound frames, dispatcher
// events, keep-alive timing and cancellation, which keeps outbound frames
// and AEAD nonces strictly ordered without extra locking. A supervisor
// around each connection recovers panics and closes the owning socket.
package tcpserver
