// Package relay holds per-stream publisher state and relays framed tags to players.
// A joining player receives the stream header, metadata, sequence headers and the
// GOP cache before it is attached to the live fan-out.
package relay
