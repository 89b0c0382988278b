package transport

import (
	"context"
	"errors"
	"net/http"
)

// Protocol names reported by connections
const (
	ProtocolHTTPFLV      = "http-flv"
	ProtocolWebSocketFLV = "websocket-flv"
	ProtocolFLVIngest    = "flv-ingest"
)

// ErrClosed is returned when writing to a connection that has ended.
var ErrClosed = errors.New("transport closed")

// Request is the metadata of the request that opened a connection.
type Request struct {
	Method     string
	Target     string // path plus raw query, as sent by the client
	RemoteAddr string
	Header     http.Header
}

// Conn is the session's view of a connection. Headers and status must be set
// before the first Write; End is idempotent and terminates the response.
type Conn interface {
	Protocol() string
	Request() Request
	SetHeader(key, value string)
	SetStatus(code int)
	Write(data []byte) error
	End()
}

// Receiver consumes inbound traffic of a connection.
type Receiver interface {
	OnData(chunk []byte)
	OnClose()
	OnError(err error)
}

// Pump delivers inbound traffic to a Receiver until the connection ends.
type Pump interface {
	Conn
	Serve(ctx context.Context, r Receiver)
}
