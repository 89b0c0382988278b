package history

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/Lordmau5/Node-Media-Server/internal/event"
	"github.com/Lordmau5/Node-Media-Server/internal/metrics"
)

const driverName = "sqlite3_flv_history"

// ErrStoreClosed is returned when querying a closed store
var ErrStoreClosed = errors.New("history store closed")

func init() {
	sql.Register(driverName,
		&sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				_, err := conn.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;", []driver.Value{})
				return err
			},
		})
}

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	time_ns      INTEGER NOT NULL,
	event        TEXT    NOT NULL,
	session_id   TEXT    NOT NULL,
	protocol     TEXT    NOT NULL DEFAULT '',
	method       TEXT    NOT NULL DEFAULT '',
	stream_path  TEXT    NOT NULL DEFAULT '',
	args         TEXT    NOT NULL DEFAULT '',
	publisher_id TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_session_events_stream ON session_events(stream_path);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id);
`

// Record is one stored lifecycle event
type Record struct {
	ID          int64     `json:"id"`
	Time        time.Time `json:"time"`
	Event       string    `json:"event"`
	SessionID   string    `json:"session_id"`
	Protocol    string    `json:"protocol,omitempty"`
	Method      string    `json:"method,omitempty"`
	StreamPath  string    `json:"stream_path,omitempty"`
	Args        string    `json:"args,omitempty"`
	PublisherID string    `json:"publisher_id,omitempty"`
}

// Filter narrows a history query. Zero fields match everything.
type Filter struct {
	SessionID  string
	StreamPath string
	Limit      int
}

// Stats represents store statistics
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Errors  uint64 `json:"errors"`
	Queued  int    `json:"queued"`
}

// Store persists session lifecycle events to SQLite. Writes are queued and
// applied by a single background writer.
type Store struct {
	db      *sql.DB
	queue   chan event.Event
	metrics *metrics.Metrics
	logger  *slog.Logger

	written atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64

	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}
}

// Open opens (creating if needed) the database at path and starts the writer
func Open(path string, queueSize int, m *metrics.Metrics, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	if queueSize < 1 {
		queueSize = 1024
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	// one connection keeps the WAL pragma and serialises writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}

	s := &Store{
		db:      db,
		queue:   make(chan event.Event, queueSize),
		metrics: m,
		logger:  logger,
		stopped: make(chan struct{}),
	}
	go s.writer()

	logger.Info("History store opened", slog.String("path", path))
	return s, nil
}

// Attach subscribes the store to every notification on bus
func (s *Store) Attach(bus *event.Bus) func() {
	return bus.Subscribe(s.Record)
}

// Record queues e for storage. When the queue is full the event is dropped.
func (s *Store) Record(e event.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.queue <- e:
	default:
		if s.dropped.Add(1) == 1 {
			s.logger.Warn("History queue full, dropping events")
		}
	}
}

func (s *Store) writer() {
	defer close(s.stopped)

	const insert = `INSERT INTO session_events
		(time_ns, event, session_id, protocol, method, stream_path, args, publisher_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	for e := range s.queue {
		name := e.Name
		if name == "" {
			name = e.Kind.String()
		}
		if e.Time.IsZero() {
			e.Time = time.Now()
		}
		_, err := s.db.Exec(insert,
			e.Time.UnixNano(), name, e.SessionID, e.Protocol, e.Method,
			e.StreamPath, e.Args.Encode(), e.PublisherID)
		s.metrics.RecordHistory(err)
		if err != nil {
			s.errors.Add(1)
			s.logger.Error("Failed to store session event",
				slog.String("event", name),
				slog.String("session_id", e.SessionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.written.Add(1)
	}
}

// Query returns matching records, newest first
func (s *Store) Query(ctx context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrStoreClosed
	}

	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}

	query := `SELECT id, time_ns, event, session_id, protocol, method, stream_path, args, publisher_id
		FROM session_events
		WHERE ($1 = '' OR session_id = $1) AND ($2 = '' OR stream_path = $2)
		ORDER BY id DESC LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, f.SessionID, f.StreamPath, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("error querying history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var ns int64
		if err := rows.Scan(&r.ID, &ns, &r.Event, &r.SessionID, &r.Protocol, &r.Method,
			&r.StreamPath, &r.Args, &r.PublisherID); err != nil {
			return nil, fmt.Errorf("error scanning history row: %w", err)
		}
		r.Time = time.Unix(0, ns)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history rows: %w", err)
	}
	return records, nil
}

// Stats returns current store statistics
func (s *Store) Stats() Stats {
	return Stats{
		Written: s.written.Load(),
		Dropped: s.dropped.Load(),
		Errors:  s.errors.Load(),
		Queued:  len(s.queue),
	}
}

// Close drains queued events and closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.stopped
	s.logger.Info("History store closed", slog.Uint64("written", s.written.Load()))
	return s.db.Close()
}
