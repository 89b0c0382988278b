package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Lordmau5/Node-Media-Server/internal/config"
	"github.com/Lordmau5/Node-Media-Server/internal/session"
	"github.com/Lordmau5/Node-Media-Server/internal/transport"
)

// IngestServer accepts FLV streams POSTed by encoders
type IngestServer struct {
	server    *http.Server
	listener  net.Listener
	config    config.IngestConfig
	serverCfg config.ServerConfig
	logger    *slog.Logger
	manager   *session.Manager

	// Statistics
	requestsReceived uint64
	chunksReceived   uint64
	bytesReceived    uint64
	rejected         uint64
	active           int
	mu               sync.RWMutex
}

// IngestStatistics represents ingest listener counters
type IngestStatistics struct {
	RequestsReceived uint64 `json:"requests_received"`
	ChunksReceived   uint64 `json:"chunks_received"`
	BytesReceived    uint64 `json:"bytes_received"`
	Rejected         uint64 `json:"rejected"`
	ActivePublishers int    `json:"active_publishers"`
}

// NewIngestServer creates the publish listener
func NewIngestServer(cfg config.IngestConfig, serverCfg config.ServerConfig, logger *slog.Logger,
	manager *session.Manager) *IngestServer {

	s := &IngestServer{
		config:    cfg,
		serverCfg: serverCfg,
		logger:    logger,
		manager:   manager,
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// countingReceiver tallies inbound chunks before handing them to the session
type countingReceiver struct {
	transport.Receiver
	server *IngestServer
}

func (c countingReceiver) OnData(chunk []byte) {
	c.server.mu.Lock()
	c.server.chunksReceived++
	c.server.bytesReceived += uint64(len(chunk))
	c.server.mu.Unlock()

	c.Receiver.OnData(chunk)
}

// countingPump routes Serve through countingReceiver
type countingPump struct {
	transport.Pump
	server *IngestServer
}

func (c countingPump) Serve(ctx context.Context, r transport.Receiver) {
	c.Pump.Serve(ctx, countingReceiver{Receiver: r, server: c.server})
}

// ServeHTTP accepts one publisher and blocks until the stream ends
func (s *IngestServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requestsReceived++
	s.active++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	conn := transport.NewHTTPConn(w, r, transport.HTTPOptions{
		Protocol:       transport.ProtocolFLVIngest,
		WriteTimeout:   s.serverCfg.GetWriteTimeoutDuration(),
		CloseOnEOF:     true,
		ReadBufferSize: s.config.ReadBufferSize,
	})

	if err := serveConn(r.Context(), s.manager, countingPump{Pump: conn, server: s}, s.logger); err != nil {
		s.mu.Lock()
		s.rejected++
		s.mu.Unlock()

		s.logger.Warn("Publish rejected",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("target", r.URL.RequestURI()),
			slog.String("error", err.Error()),
		)
	}
}

// Start begins listening for publishers
func (s *IngestServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	s.logger.Info("Ingest server started",
		slog.String("address", ln.Addr().String()),
		slog.Int("read_buffer_size", s.config.ReadBufferSize),
	)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Ingest server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start
func (s *IngestServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the ingest server
func (s *IngestServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping ingest server...")

	err := s.server.Shutdown(ctx)

	// Log final statistics
	stats := s.GetStatistics()
	s.logger.Info("Ingest server stopped",
		slog.Uint64("requests_received", stats.RequestsReceived),
		slog.Uint64("bytes_received", stats.BytesReceived),
		slog.Uint64("rejected", stats.Rejected),
	)

	return err
}

// GetStatistics returns current server statistics
func (s *IngestServer) GetStatistics() IngestStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return IngestStatistics{
		RequestsReceived: s.requestsReceived,
		ChunksReceived:   s.chunksReceived,
		BytesReceived:    s.bytesReceived,
		Rejected:         s.rejected,
		ActivePublishers: s.active,
	}
}
