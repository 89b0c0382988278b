package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the FLV media server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	SessionsActive  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	Rejections      *prometheus.CounterVec

	// Stream metrics
	PublishersActive prometheus.Gauge
	PlayersActive    prometheus.Gauge
	IdlePlayers      prometheus.Gauge
	PlayersDropped   prometheus.Counter

	// Relay metrics
	TagsReceived  *prometheus.CounterVec
	BytesReceived prometheus.Counter
	TagsRelayed   prometheus.Counter
	ParseErrors   prometheus.Counter

	// Webhook metrics
	HookRequests  prometheus.Counter
	HookSuccesses prometheus.Counter
	HookFailures  prometheus.Counter
	HookRetries   prometheus.Counter
	HookDuration  prometheus.Histogram

	// History metrics
	HistoryRecords prometheus.Counter
	HistoryErrors  prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		SessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flv_sessions_active",
			Help: "Current number of sessions",
		}, []string{"protocol"}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flv_sessions_total",
			Help: "Total number of sessions accepted",
		}, []string{"protocol"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flv_session_duration_seconds",
			Help:    "Duration of sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5 hours
		}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flv_rejections_total",
			Help: "Total number of rejected requests",
		}, []string{"reason"}),

		// Stream metrics
		PublishersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flv_publishers_active",
			Help: "Current number of publishing sessions",
		}),
		PlayersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flv_players_active",
			Help: "Current number of players attached to a publisher",
		}),
		IdlePlayers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flv_idle_players",
			Help: "Current number of players waiting for a publisher",
		}),
		PlayersDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "flv_players_dropped_total",
			Help: "Total number of players dropped after a failed or overflowing write",
		}),

		// Relay metrics
		TagsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flv_tags_received_total",
			Help: "Total number of tags received from publishers",
		}, []string{"type"}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "flv_bytes_received_total",
			Help: "Total number of framed tag bytes received from publishers",
		}),
		TagsRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "flv_tags_relayed_total",
			Help: "Total number of tags written to players",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "flv_parse_errors_total",
			Help: "Total number of ingest parse errors",
		}),

		// Webhook metrics
		HookRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "flv_hook_requests_total",
			Help: "Total number of webhook deliveries attempted",
		}),
		HookSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "flv_hook_successes_total",
			Help: "Total number of successful webhook deliveries",
		}),
		HookFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "flv_hook_failures_total",
			Help: "Total number of failed webhook deliveries",
		}),
		HookRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "flv_hook_retries_total",
			Help: "Total number of webhook delivery retries",
		}),
		HookDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flv_hook_duration_seconds",
			Help:    "Duration of webhook deliveries",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),

		// History metrics
		HistoryRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "flv_history_records_total",
			Help: "Total number of history rows written",
		}),
		HistoryErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "flv_history_errors_total",
			Help: "Total number of history write errors",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flv_http_requests_total",
			Help: "Total number of HTTP API requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flv_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flv_http_errors_total",
			Help: "Total number of HTTP API errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionStarted counts a new session
func (m *Metrics) RecordSessionStarted(protocol string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(protocol).Inc()
	m.SessionsActive.WithLabelValues(protocol).Inc()
}

// RecordSessionStopped records a finished session and its duration
func (m *Metrics) RecordSessionStopped(protocol string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(protocol).Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordRejection counts a request rejected for reason
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(reason).Inc()
}

// SetPublishers sets the current number of publishers
func (m *Metrics) SetPublishers(count int) {
	if m == nil {
		return
	}
	m.PublishersActive.Set(float64(count))
}

// SetIdlePlayers sets the current number of idle players
func (m *Metrics) SetIdlePlayers(count int) {
	if m == nil {
		return
	}
	m.IdlePlayers.Set(float64(count))
}

// RecordPlayerJoined increments the attached players gauge
func (m *Metrics) RecordPlayerJoined() {
	if m == nil {
		return
	}
	m.PlayersActive.Inc()
}

// RecordPlayerLeft decrements the attached players gauge
func (m *Metrics) RecordPlayerLeft() {
	if m == nil {
		return
	}
	m.PlayersActive.Dec()
}

// RecordPlayerDropped counts a player removed by the relay
func (m *Metrics) RecordPlayerDropped() {
	if m == nil {
		return
	}
	m.PlayersDropped.Inc()
}

// RecordTag records an inbound tag and how many players it was relayed to
func (m *Metrics) RecordTag(tagType string, sizeBytes int, players int) {
	if m == nil {
		return
	}
	m.TagsReceived.WithLabelValues(tagType).Inc()
	m.BytesReceived.Add(float64(sizeBytes))
	m.TagsRelayed.Add(float64(players))
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// RecordHookRequest increments webhook requests counter
func (m *Metrics) RecordHookRequest() {
	if m == nil {
		return
	}
	m.HookRequests.Inc()
}

// RecordHookSuccess records a successful webhook delivery
func (m *Metrics) RecordHookSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.HookSuccesses.Inc()
	m.HookDuration.Observe(durationSeconds)
}

// RecordHookFailure records a failed webhook delivery
func (m *Metrics) RecordHookFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.HookFailures.Inc()
	m.HookDuration.Observe(durationSeconds)
}

// RecordHookRetry increments the retry counter
func (m *Metrics) RecordHookRetry() {
	if m == nil {
		return
	}
	m.HookRetries.Inc()
}

// RecordHistory records the outcome of a history write
func (m *Metrics) RecordHistory(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.HistoryErrors.Inc()
		return
	}
	m.HistoryRecords.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
