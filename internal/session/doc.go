// Package session implements the per-connection state machine of the FLV server.
//
// A session is created in the starting state when a connection is accepted and
// registered with the stream registry at once. Start parses the request target,
// validates the format and method, and dispatches to the play or publish flow.
// Players attach to the stream's publisher and receive the join burst followed
// by live tags; when no publisher exists they wait as idle players. Publishers
// run the FLV demuxer over the request body and feed the relay.
//
// Stop is idempotent and fully releases the session from every registry
// structure, whether triggered by a connection close, a connection error, or an
// explicit Reject.
package session
