package session

import (
	"errors"
	"net/http"
)

var (
	// ErrUnsupportedFormat is returned for a request target without the .flv suffix.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrUnsupportedMethod is returned for a request method the listener does not serve.
	ErrUnsupportedMethod = errors.New("unsupported method")

	// ErrUnauthorized is returned when signature verification fails.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStreamNotFound means no publisher exists yet; the player waits as idle.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrStreamBusy is returned when publishing to a path that already has a publisher.
	ErrStreamBusy = errors.New("stream already publishing")

	// ErrTransportClosed is reported when the peer closed the connection.
	ErrTransportClosed = errors.New("transport closed")

	// ErrTransportError is reported when the connection failed.
	ErrTransportError = errors.New("transport error")
)

// StatusCode maps a session error to the HTTP status sent to the client
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnsupportedFormat):
		return http.StatusForbidden
	case errors.Is(err, ErrUnsupportedMethod):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrStreamNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStreamBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// rejectionReason labels a request validation failure for metrics
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, ErrUnsupportedMethod):
		return "unsupported_method"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrStreamBusy):
		return "stream_busy"
	default:
		return "error"
	}
}
