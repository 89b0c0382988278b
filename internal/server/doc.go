// Package server runs the network listeners: the HTTP-FLV / WebSocket-FLV play
// listener, the FLV ingest listener for publishers, and the HTTP API used for
// monitoring and management.
package server
