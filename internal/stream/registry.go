package stream

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	// ErrPublisherExists is returned when a stream path is already claimed.
	ErrPublisherExists = errors.New("stream path already has a publisher")

	// ErrSessionExists is returned when a session id is registered twice.
	ErrSessionExists = errors.New("session already registered")
)

// Session is the registry's view of a connection. StreamPath must not block.
type Session interface {
	ID() string
	StreamPath() string
	Reject()
}

type idleEntry struct {
	streamPath string
	since      time.Time
}

// Registry holds the process-wide session map, the stream path to publisher map
// and the set of idle players. Every method is atomic with respect to the others.
type Registry struct {
	sessions    map[string]Session
	publishers  map[string]string    // stream path -> publisher session id
	idlePlayers map[string]idleEntry // session id -> waiting stream path
	mu          sync.RWMutex
	logger      *slog.Logger
	idleTimeout time.Duration

	// Statistics
	sessionsRegistered   uint64
	publishersRegistered uint64
	playersParked        uint64
	idleExpired          uint64

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// RegistryStats represents registry counters for monitoring
type RegistryStats struct {
	Sessions             int    `json:"sessions"`
	Publishers           int    `json:"publishers"`
	IdlePlayers          int    `json:"idle_players"`
	SessionsRegistered   uint64 `json:"sessions_registered"`
	PublishersRegistered uint64 `json:"publishers_registered"`
	PlayersParked        uint64 `json:"players_parked"`
	IdleExpired          uint64 `json:"idle_expired"`
}

// NewRegistry creates a registry. A positive idleTimeout rejects players that
// wait longer than that for a publisher.
func NewRegistry(logger *slog.Logger, idleTimeout time.Duration) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		sessions:    make(map[string]Session),
		publishers:  make(map[string]string),
		idlePlayers: make(map[string]idleEntry),
		logger:      logger,
		idleTimeout: idleTimeout,
		ctx:         ctx,
		cancel:      cancel,
		cleanup:     make(chan struct{}),
	}

	go r.startCleanupRoutine()

	return r
}

// RegisterSession adds a session to the session map
func (r *Registry) RegisterSession(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID()]; exists {
		return ErrSessionExists
	}
	r.sessions[s.ID()] = s
	r.sessionsRegistered++

	return nil
}

// DeregisterSession removes a session from the session map only. Callers release
// publisher and idle entries first.
func (r *Registry) DeregisterSession(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Session returns a registered session
func (r *Registry) Session(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sessions[id]
	return s, exists
}

// Sessions returns every registered session ordered by id
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID() < sessions[j].ID() })
	return sessions
}

// SessionCount returns the number of registered sessions
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RegisterPublisher claims streamPath for the session id
func (r *Registry) RegisterPublisher(streamPath, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.publishers[streamPath]; exists {
		return ErrPublisherExists
	}
	r.publishers[streamPath] = id
	r.publishersRegistered++

	return nil
}

// UnregisterPublisher releases streamPath if it is held by id
func (r *Registry) UnregisterPublisher(streamPath, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.publishers[streamPath]; !exists || current != id {
		return false
	}
	delete(r.publishers, streamPath)
	return true
}

// LookupPublisher returns the publisher session id for streamPath
func (r *Registry) LookupPublisher(streamPath string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.publishers[streamPath]
	return id, exists
}

// Publishers returns a copy of the stream path to publisher map
func (r *Registry) Publishers() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.publishers))
	for path, id := range r.publishers {
		out[path] = id
	}
	return out
}

// AddIdlePlayer parks a registered session until a publisher appears on its stream path
func (r *Registry) AddIdlePlayer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[id]
	if !exists {
		return
	}
	r.parkLocked(id, s.StreamPath())
}

func (r *Registry) parkLocked(id, streamPath string) {
	if _, exists := r.idlePlayers[id]; exists {
		return
	}
	r.idlePlayers[id] = idleEntry{streamPath: streamPath, since: time.Now()}
	r.playersParked++
}

// RemoveIdlePlayer unparks a session
func (r *Registry) RemoveIdlePlayer(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.idlePlayers[id]; !exists {
		return false
	}
	delete(r.idlePlayers, id)
	return true
}

// IsIdle reports whether the session is parked
func (r *Registry) IsIdle(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.idlePlayers[id]
	return exists
}

// IdlePlayers returns the parked session ids, sorted
func (r *Registry) IdlePlayers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.idlePlayers))
	for id := range r.idlePlayers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LookupOrPark returns the publisher for streamPath or, when there is none,
// parks id as an idle player in the same critical section.
func (r *Registry) LookupOrPark(streamPath, id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if publisherID, exists := r.publishers[streamPath]; exists {
		return publisherID, true
	}
	r.parkLocked(id, streamPath)
	return "", false
}

// TakeIdlePlayers unparks and returns every idle player waiting on streamPath,
// ordered by the time they were parked.
func (r *Registry) TakeIdlePlayers(streamPath string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	type parked struct {
		id    string
		since time.Time
	}
	var waiting []parked
	for id, entry := range r.idlePlayers {
		if entry.streamPath == streamPath {
			waiting = append(waiting, parked{id: id, since: entry.since})
			delete(r.idlePlayers, id)
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		if waiting[i].since.Equal(waiting[j].since) {
			return waiting[i].id < waiting[j].id
		}
		return waiting[i].since.Before(waiting[j].since)
	})

	ids := make([]string, len(waiting))
	for i, w := range waiting {
		ids[i] = w.id
	}
	return ids
}

// Stats returns registry counters
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RegistryStats{
		Sessions:             len(r.sessions),
		Publishers:           len(r.publishers),
		IdlePlayers:          len(r.idlePlayers),
		SessionsRegistered:   r.sessionsRegistered,
		PublishersRegistered: r.publishersRegistered,
		PlayersParked:        r.playersParked,
		IdleExpired:          r.idleExpired,
	}
}

// Stop ends the cleanup routine and rejects every registered session
func (r *Registry) Stop() {
	r.logger.Info("Stopping stream registry...")

	r.cancel()
	<-r.cleanup

	sessions := r.Sessions()
	for _, s := range sessions {
		s.Reject()
	}

	r.logger.Info("Stream registry stopped",
		slog.Int("rejected_sessions", len(sessions)),
	)
}

// startCleanupRoutine expires idle players when an idle timeout is configured
func (r *Registry) startCleanupRoutine() {
	defer close(r.cleanup)

	if r.idleTimeout <= 0 {
		<-r.ctx.Done()
		return
	}

	interval := r.idleTimeout / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Debug("Idle player cleanup routine started",
		slog.Duration("idle_timeout", r.idleTimeout),
		slog.Duration("check_interval", interval),
	)

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.expireIdlePlayers()
		}
	}
}

// expireIdlePlayers rejects players that waited longer than the idle timeout
func (r *Registry) expireIdlePlayers() {
	now := time.Now()
	var expired []Session

	r.mu.Lock()
	for id, entry := range r.idlePlayers {
		if now.Sub(entry.since) <= r.idleTimeout {
			continue
		}
		delete(r.idlePlayers, id)
		r.idleExpired++
		if s, exists := r.sessions[id]; exists {
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	r.logger.Info("Rejecting idle players without a publisher",
		slog.Int("expired_count", len(expired)),
	)
	for _, s := range expired {
		s.Reject()
	}
}
