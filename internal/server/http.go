package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lordmau5/Node-Media-Server/internal/config"
	"github.com/Lordmau5/Node-Media-Server/internal/event"
	"github.com/Lordmau5/Node-Media-Server/internal/history"
	"github.com/Lordmau5/Node-Media-Server/internal/hooks"
	"github.com/Lordmau5/Node-Media-Server/internal/metrics"
	"github.com/Lordmau5/Node-Media-Server/internal/relay"
	"github.com/Lordmau5/Node-Media-Server/internal/session"
)

// Sources are the components the HTTP API reports on. Hooks and History may be nil.
type Sources struct {
	Manager *session.Manager
	Bus     *event.Bus
	FLV     *FLVServer
	Ingest  *IngestServer
	Hooks   *hooks.Client
	History *history.Store
}

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
	config   *config.Config
	sources  Sources
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	// Server state
	startTime time.Time
	mu        sync.RWMutex
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	sources Sources, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		sources:   sources,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed API handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Published streams, keyed by stream path
	mux.HandleFunc("/streams", h.withMetrics("/streams", h.handleStreams))
	mux.HandleFunc("/streams/", h.withMetrics("/streams/{path}", h.handleStreamDetail))

	// Sessions of every role
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Session event history
	mux.HandleFunc("/history", h.withMetrics("/history", h.handleHistory))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	h.logger.Info("Starting HTTP API server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	registryStats := h.sources.Manager.Registry().Stats()

	components := map[string]interface{}{
		"stream_registry": map[string]interface{}{
			"status":       "running",
			"sessions":     registryStats.Sessions,
			"publishers":   registryStats.Publishers,
			"idle_players": registryStats.IdlePlayers,
		},
	}

	if h.sources.FLV != nil {
		flvStats := h.sources.FLV.GetStatistics()
		components["flv_server"] = map[string]interface{}{
			"status":        "running",
			"http_sessions": flvStats.HTTPSessions,
			"ws_sessions":   flvStats.WSSessions,
		}
	}

	if h.sources.Ingest != nil {
		ingestStats := h.sources.Ingest.GetStatistics()
		components["ingest_server"] = map[string]interface{}{
			"status":            "running",
			"active_publishers": ingestStats.ActivePublishers,
			"bytes_received":    ingestStats.BytesReceived,
		}
	}

	if h.sources.Hooks != nil {
		hookStats := h.sources.Hooks.Stats()
		components["hooks"] = map[string]interface{}{
			"status":          "running",
			"total_requests":  hookStats.TotalRequests,
			"success_rate":    hookStats.SuccessRate,
			"active_requests": hookStats.ActiveRequests,
		}
	}

	if h.sources.History != nil {
		historyStats := h.sources.History.Stats()
		components["history"] = map[string]interface{}{
			"status":  "running",
			"written": historyStats.Written,
			"dropped": historyStats.Dropped,
		}
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "flv-media-server",
			"version": "1.0.0",
		},
		"components": components,
	}

	writeJSON(w, health)
}

// handleStreams implements the /streams endpoint
func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	publishers := h.sources.Manager.Registry().Publishers()
	streams := make([]relay.PublisherInfo, 0, len(publishers))

	for streamPath := range publishers {
		if pub, ok := h.sources.Manager.Publisher(streamPath); ok {
			streams = append(streams, pub.Info())
		}
	}

	response := map[string]interface{}{
		"total_streams": len(streams),
		"timestamp":     time.Now().UTC(),
		"streams":       streams,
	}

	writeJSON(w, response)
}

// handleStreamDetail implements the /streams/{stream_path} endpoint
func (h *HTTPServer) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// "/streams/live/cam" names the stream path "/live/cam"
	streamPath := r.URL.Path[len("/streams"):]
	if streamPath == "/" {
		http.Error(w, "Stream path required", http.StatusBadRequest)
		return
	}

	pub, exists := h.sources.Manager.Publisher(streamPath)
	if !exists {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	writeJSON(w, pub.Info())
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.sources.Manager.Sessions()
	infos := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}

	response := map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	}

	writeJSON(w, response)
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Path[len("/sessions/"):]
	if id == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	s, exists := h.sources.Manager.Session(id)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, s.Info())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"port":          h.config.Server.Port,
			"address":       h.config.Server.Address,
			"allow_origin":  h.config.Server.AllowOrigin,
			"websocket":     h.config.Server.WebSocket,
			"write_timeout": h.config.Server.WriteTimeout,
		},
		"ingest": map[string]interface{}{
			"enabled":          h.config.Ingest.Enabled,
			"port":             h.config.Ingest.Port,
			"address":          h.config.Ingest.Address,
			"read_buffer_size": h.config.Ingest.ReadBufferSize,
		},
		"auth": map[string]interface{}{
			"play":    h.config.Auth.Play,
			"publish": h.config.Auth.Publish,
			// Note: secret is intentionally omitted for security
		},
		"relay": map[string]interface{}{
			"gop_cache":           h.config.Relay.GOPCache,
			"gop_cache_limit":     h.config.Relay.GOPCacheLimit,
			"unpublish_policy":    h.config.Relay.UnpublishPolicy,
			"max_pending_tags":    h.config.Relay.MaxPendingTags,
			"idle_player_timeout": h.config.Relay.IdlePlayerTimeout,
		},
		"hooks": map[string]interface{}{
			"enabled":        h.config.Hooks.Enabled,
			"endpoint":       h.config.Hooks.Endpoint,
			"timeout":        h.config.Hooks.Timeout,
			"max_retries":    h.config.Hooks.MaxRetries,
			"max_concurrent": h.config.Hooks.MaxConcurrent,
			"events":         h.config.Hooks.Events,
		},
		"history": map[string]interface{}{
			"enabled":    h.config.History.Enabled,
			"path":       h.config.History.Path,
			"queue_size": h.config.History.QueueSize,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"registry":  h.sources.Manager.Registry().Stats(),
	}

	if h.sources.Bus != nil {
		stats["events"] = map[string]interface{}{
			"emitted":     h.sources.Bus.Emitted(),
			"subscribers": h.sources.Bus.Subscribers(),
		}
	}
	if h.sources.FLV != nil {
		stats["flv"] = h.sources.FLV.GetStatistics()
	}
	if h.sources.Ingest != nil {
		stats["ingest"] = h.sources.Ingest.GetStatistics()
	}
	if h.sources.Hooks != nil {
		stats["hooks"] = h.sources.Hooks.Stats()
	}
	if h.sources.History != nil {
		stats["history"] = h.sources.History.Stats()
	}

	writeJSON(w, stats)
}

// handleHistory implements the /history endpoint
func (h *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.sources.History == nil {
		http.Error(w, "History disabled", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	filter := history.Filter{
		SessionID:  q.Get("session_id"),
		StreamPath: q.Get("stream_path"),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	records, err := h.sources.History.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("History query failed", slog.String("error", err.Error()))
		http.Error(w, "History query failed", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []history.Record{}
	}

	writeJSON(w, map[string]interface{}{
		"total_records": len(records),
		"records":       records,
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "FLV Media Server",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                     "API documentation",
			"GET /health":               "Service health check",
			"GET /streams":              "List published streams",
			"GET /streams/{app}/{name}": "Get published stream details",
			"GET /sessions":             "List all sessions",
			"GET /sessions/{id}":        "Get session details",
			"GET /config":               "Get service configuration",
			"GET /stats":                "Get service statistics",
			"GET /history":              "Query session event history",
			"GET /metrics":              "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, apiDoc)
}
