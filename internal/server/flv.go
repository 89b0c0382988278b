package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Lordmau5/Node-Media-Server/internal/config"
	"github.com/Lordmau5/Node-Media-Server/internal/session"
	"github.com/Lordmau5/Node-Media-Server/internal/transport"
)

// FLVServer serves HTTP-FLV and WebSocket-FLV players
type FLVServer struct {
	server   *http.Server
	listener net.Listener
	config   config.ServerConfig
	logger   *slog.Logger
	manager  *session.Manager
	upgrader *websocket.Upgrader

	// Statistics
	httpSessions    uint64
	wsSessions      uint64
	upgradeFailures uint64
	rejected        uint64
	mu              sync.RWMutex
}

// FLVStatistics contains play listener statistics
type FLVStatistics struct {
	HTTPSessions    uint64 `json:"http_sessions"`
	WSSessions      uint64 `json:"ws_sessions"`
	UpgradeFailures uint64 `json:"upgrade_failures"`
	Rejected        uint64 `json:"rejected"`
}

// NewFLVServer creates the play listener
func NewFLVServer(cfg config.ServerConfig, logger *slog.Logger, manager *session.Manager) *FLVServer {
	f := &FLVServer{
		config:   cfg,
		logger:   logger,
		manager:  manager,
		upgrader: transport.NewUpgrader(cfg.AllowOrigin),
	}

	f.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:           f,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return f
}

// ServeHTTP accepts one player connection and blocks until its session ends
func (f *FLVServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var conn transport.Pump

	if f.config.WebSocket && transport.IsWebSocketRequest(r) {
		ws, err := transport.UpgradeWS(f.upgrader, w, r, transport.WSOptions{
			WriteTimeout: f.config.GetWriteTimeoutDuration(),
		})
		if err != nil {
			f.mu.Lock()
			f.upgradeFailures++
			f.mu.Unlock()
			f.logger.Warn("WebSocket upgrade failed",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()),
			)
			return
		}
		conn = ws
		f.mu.Lock()
		f.wsSessions++
		f.mu.Unlock()
	} else {
		conn = transport.NewHTTPConn(w, r, transport.HTTPOptions{
			Protocol:     transport.ProtocolHTTPFLV,
			WriteTimeout: f.config.GetWriteTimeoutDuration(),
		})
		f.mu.Lock()
		f.httpSessions++
		f.mu.Unlock()
	}

	if err := serveConn(r.Context(), f.manager, conn, f.logger); err != nil {
		f.mu.Lock()
		f.rejected++
		f.mu.Unlock()
	}
}

// Start begins listening for players
func (f *FLVServer) Start() error {
	ln, err := net.Listen("tcp", f.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", f.server.Addr, err)
	}
	f.listener = ln

	f.logger.Info("FLV server started",
		slog.String("address", ln.Addr().String()),
		slog.Bool("websocket", f.config.WebSocket),
	)

	go func() {
		if err := f.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			f.logger.Error("FLV server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start
func (f *FLVServer) Addr() net.Addr {
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// Stop stops accepting players. Live sessions end when the registry stops.
func (f *FLVServer) Stop(ctx context.Context) error {
	f.logger.Info("Stopping FLV server...")

	// Shutdown does not wait for hijacked WebSocket connections
	return f.server.Shutdown(ctx)
}

// GetStatistics returns current listener statistics
func (f *FLVServer) GetStatistics() FLVStatistics {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return FLVStatistics{
		HTTPSessions:    f.httpSessions,
		WSSessions:      f.wsSessions,
		UpgradeFailures: f.upgradeFailures,
		Rejected:        f.rejected,
	}
}

// serveConn runs a session over conn. It returns the request validation error
// if the session was rejected, and otherwise blocks until the session stopped.
func serveConn(ctx context.Context, manager *session.Manager, conn transport.Pump, logger *slog.Logger) error {
	s, err := manager.Accept(conn)
	if err != nil {
		logger.Error("Failed to accept session", slog.String("error", err.Error()))
		conn.SetStatus(http.StatusInternalServerError)
		conn.End()
		return err
	}

	if err := s.Start(); err != nil {
		return err
	}

	conn.Serve(ctx, s)

	// Serve only returns once teardown began
	<-s.Done()
	return nil
}
