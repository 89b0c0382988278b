package session

import (
	"fmt"
	"log/slog"

	"github.com/Lordmau5/Node-Media-Server/internal/auth"
	"github.com/Lordmau5/Node-Media-Server/internal/config"
	"github.com/Lordmau5/Node-Media-Server/internal/event"
	"github.com/Lordmau5/Node-Media-Server/internal/metrics"
	"github.com/Lordmau5/Node-Media-Server/internal/relay"
	"github.com/Lordmau5/Node-Media-Server/internal/stream"
	"github.com/Lordmau5/Node-Media-Server/internal/transport"
)

// Options configures session behaviour
type Options struct {
	Auth        config.AuthConfig
	Relay       config.RelayConfig
	AllowOrigin string
}

// Manager creates sessions and wires them to the registry, the relay and the bus
type Manager struct {
	opts     Options
	registry *stream.Registry
	bus      *event.Bus
	verifier auth.Verifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewManager creates a session manager
func NewManager(opts Options, registry *stream.Registry, bus *event.Bus, verifier auth.Verifier,
	m *metrics.Metrics, logger *slog.Logger) *Manager {

	if opts.AllowOrigin == "" {
		opts.AllowOrigin = "*"
	}
	if opts.Relay.UnpublishPolicy == "" {
		opts.Relay.UnpublishPolicy = config.UnpublishPolicyIdle
	}
	if verifier == nil {
		verifier = auth.NewSignatureVerifier()
	}

	return &Manager{
		opts:     opts,
		registry: registry,
		bus:      bus,
		verifier: verifier,
		metrics:  m,
		logger:   logger,
	}
}

// Accept creates a session for conn and registers it. The caller then calls
// Start and pumps the connection into the session.
func (m *Manager) Accept(conn transport.Conn) (*Session, error) {
	s := newSession(m, conn)

	if err := m.registry.RegisterSession(s); err != nil {
		return nil, fmt.Errorf("failed to register session %s: %w", s.id, err)
	}
	m.metrics.RecordSessionStarted(conn.Protocol())

	s.logger.Debug("Session accepted",
		slog.String("remote_addr", conn.Request().RemoteAddr),
		slog.String("target", conn.Request().Target),
	)

	return s, nil
}

// Session returns a live session by id
func (m *Manager) Session(id string) (*Session, bool) {
	rs, ok := m.registry.Session(id)
	if !ok {
		return nil, false
	}
	s, ok := rs.(*Session)
	return s, ok
}

// Sessions returns every live session ordered by id
func (m *Manager) Sessions() []*Session {
	registered := m.registry.Sessions()
	sessions := make([]*Session, 0, len(registered))
	for _, rs := range registered {
		if s, ok := rs.(*Session); ok {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// Publisher returns the relay state of the stream published on streamPath
func (m *Manager) Publisher(streamPath string) (*relay.Publisher, bool) {
	id, ok := m.registry.LookupPublisher(streamPath)
	if !ok {
		return nil, false
	}
	s, ok := m.Session(id)
	if !ok {
		return nil, false
	}
	pub := s.publisher.Load()
	return pub, pub != nil
}

// Registry returns the stream registry backing this manager
func (m *Manager) Registry() *stream.Registry {
	return m.registry
}

// playerDropped rejects a player the relay removed after a failed write
func (m *Manager) playerDropped(player relay.Player, err error) {
	m.metrics.RecordPlayerDropped()

	s, ok := m.Session(player.ID())
	if !ok {
		return
	}
	// teardown flushes the player's connection; keep it off the publisher's goroutine
	go s.OnError(err)
}

func (m *Manager) updateGauges() {
	stats := m.registry.Stats()
	m.metrics.SetPublishers(stats.Publishers)
	m.metrics.SetIdlePlayers(stats.IdlePlayers)
}
