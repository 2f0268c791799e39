// Package bridge implements the reliable request client.
//
// Two tiers share one attempt state machine:
// - Request: fresh req socket per attempt, bounded receive, linear pause of
//   one timeout after each non-responsive attempt.
// - ParanoidRequest: dealer socket per attempt, per-attempt correlation id,
//   heartbeat probes while waiting, early abandon of a dead peer, and
//   exponential backoff between cycles.
//
// Transport non-responses are retried. Application replies (status "error")
// and undecodable replies end the call after one attempt. Every failure is a
// *Error carrying exactly one Kind.
package bridge
