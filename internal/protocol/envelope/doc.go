// Package envelope owns the request/response wire shapes exchanged with the
// computation server and their byte encodings.
//
// Ownership boundary:
// - request/response/heartbeat message shapes
// - wire formats (plain JSON, tagged CBOR, optional snappy compression)
// - status-first response decoding
//
// Plain JSON is untagged so a reference server speaking bare JSON strings
// interoperates without changes.
package envelope
