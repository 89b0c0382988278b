// Package transport unifies the connection styles a session can run over.
// HTTPConn serves chunked HTTP responses and request bodies; WSConn serves
// binary WebSocket messages. Both implement Conn and Pump.
package transport
