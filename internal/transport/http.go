package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// HTTPOptions configures an HTTP connection
type HTTPOptions struct {
	Protocol     string
	WriteTimeout time.Duration // per-write deadline, 0 disables it

	// CloseOnEOF ends the connection when the request body is exhausted.
	// Players keep the response open until the client goes away.
	CloseOnEOF bool

	ReadBufferSize int
}

// HTTPConn adapts a chunked HTTP response to Conn
type HTTPConn struct {
	w    http.ResponseWriter
	r    *http.Request
	rc   *http.ResponseController
	opts HTTPOptions
	req  Request

	mu          sync.Mutex
	status      int
	wroteHeader bool
	ended       bool
	done        chan struct{}

	bytesWritten uint64
}

// NewHTTPConn wraps an in-flight HTTP exchange
func NewHTTPConn(w http.ResponseWriter, r *http.Request, opts HTTPOptions) *HTTPConn {
	if opts.Protocol == "" {
		opts.Protocol = ProtocolHTTPFLV
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 32 * 1024
	}

	return &HTTPConn{
		w:      w,
		r:      r,
		rc:     http.NewResponseController(w),
		opts:   opts,
		req:    requestFrom(r),
		status: http.StatusOK,
		done:   make(chan struct{}),
	}
}

func requestFrom(r *http.Request) Request {
	return Request{
		Method:     r.Method,
		Target:     r.URL.RequestURI(),
		RemoteAddr: r.RemoteAddr,
		Header:     r.Header.Clone(),
	}
}

// Protocol implements Conn
func (c *HTTPConn) Protocol() string { return c.opts.Protocol }

// Request implements Conn
func (c *HTTPConn) Request() Request { return c.req }

// SetHeader implements Conn; it has no effect once the response started
func (c *HTTPConn) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wroteHeader || c.ended {
		return
	}
	c.w.Header().Set(key, value)
}

// SetStatus implements Conn; it has no effect once the response started
func (c *HTTPConn) SetStatus(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wroteHeader || c.ended {
		return
	}
	c.status = code
}

// Write sends data as one flushed chunk
func (c *HTTPConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended {
		return ErrClosed
	}

	if c.opts.WriteTimeout > 0 {
		// not every ResponseWriter supports deadlines
		_ = c.rc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}

	if !c.wroteHeader {
		c.wroteHeader = true
		c.w.WriteHeader(c.status)
	}

	n, err := c.w.Write(data)
	c.bytesWritten += uint64(n)
	if err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}

	if err := c.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("failed to flush response: %w", err)
	}

	return nil
}

// End terminates the response. A response that never wrote data is sent with
// its status and no body.
func (c *HTTPConn) End() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended {
		return
	}
	c.ended = true

	if !c.wroteHeader {
		c.wroteHeader = true
		c.w.WriteHeader(c.status)
	}
	close(c.done)
}

// Done is closed once End has been called
func (c *HTTPConn) Done() <-chan struct{} {
	return c.done
}

// BytesWritten returns the number of response body bytes written
func (c *HTTPConn) BytesWritten() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesWritten
}

// Serve pumps the request body into r and blocks until the connection ends.
// It must run on the handler goroutine: the response is ended before it returns.
func (c *HTTPConn) Serve(ctx context.Context, r Receiver) {
	defer c.End()

	bodyDone := make(chan error, 1)
	go c.readBody(r, bodyDone)

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			r.OnClose()
			return
		case err := <-bodyDone:
			bodyDone = nil
			if err != nil {
				r.OnError(err)
				return
			}
			if c.opts.CloseOnEOF {
				r.OnClose()
				return
			}
		}
	}
}

func (c *HTTPConn) readBody(r Receiver, result chan<- error) {
	if c.r.Body == nil || c.r.Body == http.NoBody {
		result <- nil
		return
	}

	buf := make([]byte, c.opts.ReadBufferSize)
	for {
		n, err := c.r.Body.Read(buf)
		if n > 0 {
			r.OnData(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				result <- nil
			} else {
				result <- fmt.Errorf("failed to read request body: %w", err)
			}
			return
		}
	}
}
