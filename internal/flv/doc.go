// Package flv implements the FLV wire format used for HTTP-FLV and WebSocket-FLV delivery.
// It frames timestamped media payloads as tags, builds the stream header, and parses
// inbound file and tag headers for the ingest path.
package flv
