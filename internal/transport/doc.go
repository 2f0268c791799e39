// Package transport owns socket primitives consumed by the bridge client and
// the computation server.
//
// Ownership boundary:
// - process-wide transport context (init/shutdown, live socket accounting)
// - socket kinds (req, dealer, rep) and their send/receive ordering rules
// - bounded receive: every Receive returns ErrTimeout instead of blocking forever
// - drivers: framed TCP (optional TLS) and ZeroMQ
//
// A socket belongs to exactly one attempt. Sockets are not safe for use by
// more than one goroutine, except that Close may be called from anywhere.
package transport
