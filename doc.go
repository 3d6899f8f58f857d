// Package qfeature connects machines through a QUIC hub and lets per-connection
// feature managers answer and send requests over those sessions.
//
// A Hub authenticates each machine by its client certificate and routes
// requests between bound sessions by address. A Client is one session; it
// implements Conn, the interface feature managers are built on. Managers are
// created per connection through a ConnRegistry and dispatched to by
// element, namespace and type.
package qfeature
