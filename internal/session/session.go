package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/Lordmau5/Node-Media-Server/internal/config"
	"github.com/Lordmau5/Node-Media-Server/internal/event"
	"github.com/Lordmau5/Node-Media-Server/internal/flv"
	"github.com/Lordmau5/Node-Media-Server/internal/intake"
	"github.com/Lordmau5/Node-Media-Server/internal/relay"
	"github.com/Lordmau5/Node-Media-Server/internal/transport"
)

// Lifecycle states
const (
	StateCreated  = "created"
	StateStarting = "starting"
	StateStopped  = "stopped"
)

const (
	eventStart = "start"
	eventStop  = "stop"
)

// supportedFormat is the only request target suffix served
const supportedFormat = "flv"

// playerReadSize is the step a player's parse loop consumes inbound bytes in
const playerReadSize = 9

// Role is the part a session plays on its stream path
type Role int32

const (
	RoleUnset Role = iota
	RolePublisher
	RolePlayer
)

// String returns the role name
func (r Role) String() string {
	switch r {
	case RolePublisher:
		return "publisher"
	case RolePlayer:
		return "player"
	default:
		return "unset"
	}
}

// Session is one client connection. It is created in the starting state and
// moves to stopped exactly once, from whichever of close, error or reject
// happens first.
type Session struct {
	id          string
	manager     *Manager
	conn        transport.Conn
	logger      *slog.Logger
	buffer      *intake.Buffer
	machine     *fsm.FSM
	connectTime time.Time

	streamPath atomic.Value // string; read by the registry under its lock
	role       atomic.Int32
	publisher  atomic.Pointer[relay.Publisher]

	mu     sync.Mutex
	closed bool
	method string
	format string
	args   url.Values
	joined *relay.Publisher // publisher this player is attached to
	outbox *relay.Outbox

	done chan struct{}
}

// Info represents session state for monitoring
type Info struct {
	ID          string               `json:"id"`
	Protocol    string               `json:"protocol"`
	Role        string               `json:"role"`
	State       string               `json:"state"`
	StreamPath  string               `json:"stream_path,omitempty"`
	Method      string               `json:"method,omitempty"`
	RemoteAddr  string               `json:"remote_addr,omitempty"`
	Args        url.Values           `json:"args,omitempty"`
	ConnectTime time.Time            `json:"connect_time"`
	PublisherID string               `json:"publisher_id,omitempty"`
	Idle        bool                 `json:"idle"`
	Buffer      intake.BufferStats   `json:"buffer"`
	Publisher   *relay.PublisherInfo `json:"publisher,omitempty"`
}

func newSession(m *Manager, conn transport.Conn) *Session {
	id := uuid.NewString()

	s := &Session{
		id:          id,
		manager:     m,
		conn:        conn,
		buffer:      intake.NewBuffer(),
		connectTime: time.Now(),
		done:        make(chan struct{}),
		logger: m.logger.With(
			slog.String("session_id", id),
			slog.String("protocol", conn.Protocol()),
		),
	}
	s.streamPath.Store("")

	s.machine = fsm.NewFSM(
		StateCreated,
		fsm.Events{
			{Name: eventStart, Src: []string{StateCreated}, Dst: StateStarting},
			{Name: eventStop, Src: []string{StateCreated, StateStarting}, Dst: StateStopped},
		},
		fsm.Callbacks{},
	)
	// the buffer accepts bytes from construction on
	_ = s.machine.Event(context.Background(), eventStart)

	return s
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// StreamPath returns the requested stream path, empty until Start parsed it
func (s *Session) StreamPath() string {
	return s.streamPath.Load().(string)
}

// Role returns the session role
func (s *Session) Role() Role {
	return Role(s.role.Load())
}

// State returns the lifecycle state
func (s *Session) State() string {
	return s.machine.Current()
}

// Done is closed once the session has been torn down
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Write sends relay data to the client. It implements relay.Player.
func (s *Session) Write(data []byte) error {
	return s.conn.Write(data)
}

// Start parses the request target and dispatches the request. It returns the
// validation error the request was rejected with, if any. A player whose
// stream has no publisher yet is not rejected: it waits as an idle player.
func (s *Session) Start() error {
	req := s.conn.Request()

	streamPath, format, args := parseTarget(req.Target)
	s.mu.Lock()
	s.method = req.Method
	s.format = format
	s.args = args
	s.mu.Unlock()
	s.streamPath.Store(streamPath)

	s.emit(event.PreConnect, "")

	if format != supportedFormat {
		s.logger.Error("Unsupported format", slog.String("format", format), slog.String("target", req.Target))
		return s.fail(ErrUnsupportedFormat)
	}

	s.emit(event.PostConnect, "")

	publishing := s.conn.Protocol() == transport.ProtocolFLVIngest
	switch {
	case !publishing && req.Method == http.MethodGet:
		s.logger.Info("Play stream", slog.String("stream_path", streamPath))
		return s.HandlePlay()
	case publishing && req.Method == http.MethodPost:
		s.logger.Info("Publish stream", slog.String("stream_path", streamPath))
		return s.StartPublish()
	default:
		s.logger.Error("Unsupported method", slog.String("method", req.Method))
		return s.fail(ErrUnsupportedMethod)
	}
}

// parseTarget splits "/app/name.flv?k=v" into stream path, format and query
func parseTarget(target string) (string, string, url.Values) {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return "", "", url.Values{}
	}
	streamPath, format, _ := strings.Cut(u.Path, ".")
	return streamPath, format, u.Query()
}

// HandlePlay authenticates a play request and attaches the session to the
// stream's publisher, or parks it as an idle player.
func (s *Session) HandlePlay() error {
	s.emit(event.PrePlay, "")

	if s.isStopped() {
		return nil
	}

	s.role.CompareAndSwap(int32(RoleUnset), int32(RolePlayer))

	if s.manager.opts.Auth.Play {
		sign := s.arg("sign")
		if !s.manager.verifier.Verify(sign, s.StreamPath(), s.manager.opts.Auth.Secret) {
			s.logger.Error("Unauthorized",
				slog.String("stream_path", s.StreamPath()),
				slog.String("sign", sign),
			)
			return s.fail(ErrUnauthorized)
		}
	}

	go s.run(intake.ParserFunc{Size: playerReadSize, Func: func([]byte) error { return nil }})

	s.attach()
	return nil
}

// attach joins the publisher of the session's stream path or parks the session
// as idle. Parking and the publisher lookup happen atomically in the registry,
// so a publisher registering concurrently always finds a parked player.
func (s *Session) attach() {
	streamPath := s.StreamPath()
	registry := s.manager.registry

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}

		publisherID, found := registry.LookupOrPark(streamPath, s.id)
		if !found {
			s.mu.Unlock()
			s.logger.Warn("Stream not found, waiting for publisher", slog.String("stream_path", streamPath))
			s.manager.updateGauges()
			return
		}

		pub, ok := s.manager.Publisher(streamPath)
		if !ok || pub.ID() != publisherID {
			// publisher is being replaced; look again
			s.mu.Unlock()
			runtime.Gosched()
			continue
		}

		err := s.joinLocked(pub)
		s.mu.Unlock()

		if errors.Is(err, relay.ErrPublisherClosed) {
			continue
		}
		if err != nil {
			s.logger.Error("Failed to join stream", slog.String("error", err.Error()))
			s.OnError(err)
			return
		}

		s.manager.metrics.RecordPlayerJoined()
		s.logger.Info("Join stream",
			slog.String("stream_path", streamPath),
			slog.String("publisher_id", publisherID),
		)
		s.emit(event.PostPlay, publisherID)
		return
	}
}

// joinLocked sends the join burst and registers the session as a relay target
func (s *Session) joinLocked(pub *relay.Publisher) error {
	s.conn.SetHeader("Content-Type", "video/x-flv")
	s.conn.SetHeader("Access-Control-Allow-Origin", s.manager.opts.AllowOrigin)

	var target relay.Player = s
	var outbox *relay.Outbox
	if n := s.manager.opts.Relay.MaxPendingTags; n > 0 {
		outbox = relay.NewOutbox(s, n, func(err error) {
			go s.OnError(err)
		})
		target = outbox
	}

	if err := pub.Join(target); err != nil {
		if outbox != nil {
			outbox.Close()
		}
		return err
	}

	s.joined = pub
	s.outbox = outbox
	return nil
}

// StartPublish claims the stream path and starts demuxing the request body
// into the publisher. Idle players waiting on the path are joined.
func (s *Session) StartPublish() error {
	s.emit(event.PrePublish, "")

	if s.isStopped() {
		return nil
	}

	s.role.CompareAndSwap(int32(RoleUnset), int32(RolePublisher))

	streamPath := s.StreamPath()
	if s.manager.opts.Auth.Publish {
		sign := s.arg("sign")
		if !s.manager.verifier.Verify(sign, streamPath, s.manager.opts.Auth.Secret) {
			s.logger.Error("Unauthorized",
				slog.String("stream_path", streamPath),
				slog.String("sign", sign),
			)
			return s.fail(ErrUnauthorized)
		}
	}

	m := s.manager
	pub := relay.NewPublisher(s.id, streamPath, relay.Options{
		GOPCache:        m.opts.Relay.GOPCache,
		GOPCacheLimit:   m.opts.Relay.GOPCacheLimit,
		OnPlayerDropped: m.playerDropped,
		OnTag: func(tagType uint8, size int, players int) {
			m.metrics.RecordTag(flv.TagTypeString(tagType), size, players)
		},
	}, s.logger)
	s.publisher.Store(pub)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	err := m.registry.RegisterPublisher(streamPath, s.id)
	s.mu.Unlock()

	if err != nil {
		s.publisher.Store(nil)
		s.logger.Error("Stream already publishing", slog.String("stream_path", streamPath))
		return s.fail(fmt.Errorf("%w: %s", ErrStreamBusy, streamPath))
	}

	m.updateGauges()
	s.emit(event.PostPublish, "")

	go s.run(flv.NewDemuxer(s.handleTag))

	for _, id := range m.registry.TakeIdlePlayers(streamPath) {
		if player, ok := m.Session(id); ok {
			player.attach()
		}
	}

	return nil
}

// handleTag feeds one demuxed tag to the publisher
func (s *Session) handleTag(header *flv.ParsedTagHeader, body []byte) error {
	pub := s.publisher.Load()
	if pub == nil {
		return nil
	}

	switch header.Type {
	case flv.TagTypeScript:
		pub.SetMetadata(body)
	case flv.TagTypeAudio:
		pub.WriteAudio(header.Timestamp, body)
	case flv.TagTypeVideo:
		pub.WriteVideo(header.Timestamp, body)
	}
	return nil
}

// run drives the parse loop until the buffer stops or the parser fails
func (s *Session) run(p intake.Parser) {
	s.logger.Debug("Message parser started")

	if err := intake.Run(s.buffer, p); err != nil {
		s.manager.metrics.RecordParseError()
		s.logger.Error("Message parser failed", slog.String("error", err.Error()))
		s.OnError(err)
	}

	s.logger.Debug("Message parser done")
}

// OnData implements transport.Receiver
func (s *Session) OnData(chunk []byte) {
	s.buffer.Push(chunk)
}

// OnClose implements transport.Receiver
func (s *Session) OnClose() {
	s.logger.Debug("Connection closed", slog.String("reason", ErrTransportClosed.Error()))
	s.Stop()
}

// OnError implements transport.Receiver
func (s *Session) OnError(err error) {
	s.logger.Debug("Connection error",
		slog.String("reason", ErrTransportError.Error()),
		slog.String("error", err.Error()),
	)
	s.Stop()
}

// Reject stops the session on an external decision
func (s *Session) Reject() {
	s.Stop()
}

// Stop tears the session down. Only the first call has an effect.
func (s *Session) Stop() {
	if err := s.machine.Event(context.Background(), eventStop); err != nil {
		return
	}

	s.mu.Lock()
	s.closed = true
	joined := s.joined
	outbox := s.outbox
	s.joined = nil
	s.outbox = nil
	s.mu.Unlock()

	// abandons any suspended parse step and discards buffered bytes
	s.buffer.Stop()

	if joined != nil {
		joined.Leave(s.id)
		s.manager.metrics.RecordPlayerLeft()
		s.emit(event.DonePlay, joined.ID())
	}

	if s.Role() == RolePublisher {
		s.unpublish()
	}

	s.emit(event.DoneConnect, "")

	// drain queued tags before the connection ends
	if outbox != nil {
		outbox.Close()
	}
	s.conn.End()

	s.manager.registry.RemoveIdlePlayer(s.id)
	s.manager.registry.DeregisterSession(s.id)

	duration := time.Since(s.connectTime)
	s.manager.metrics.RecordSessionStopped(s.conn.Protocol(), duration.Seconds())
	s.manager.updateGauges()

	s.logger.Info("Session stopped",
		slog.String("role", s.Role().String()),
		slog.String("stream_path", s.StreamPath()),
		slog.Duration("duration", duration),
	)

	close(s.done)
}

// unpublish releases the stream path and applies the unpublish policy to the
// publisher's players
func (s *Session) unpublish() {
	pub := s.publisher.Load()
	if pub == nil {
		return
	}

	streamPath := s.StreamPath()
	if !s.manager.registry.UnregisterPublisher(streamPath, s.id) {
		// never claimed the path
		pub.Close()
		return
	}
	players := pub.Close()

	policy := s.manager.opts.Relay.UnpublishPolicy
	for _, p := range players {
		player, ok := s.manager.Session(p.ID())
		if !ok {
			continue
		}
		player.detach(pub, policy)
	}

	s.logger.Info("Stream unpublished",
		slog.String("stream_path", streamPath),
		slog.Int("players", len(players)),
		slog.String("policy", policy),
	)
	s.emit(event.DonePublish, "")
}

// detach handles the publisher going away under the given policy
func (s *Session) detach(pub *relay.Publisher, policy string) {
	s.mu.Lock()
	if s.closed || s.joined != pub {
		s.mu.Unlock()
		return
	}

	if policy == config.UnpublishPolicyTerminate {
		s.mu.Unlock()
		s.Reject()
		return
	}

	outbox := s.outbox
	s.joined = nil
	s.outbox = nil
	s.mu.Unlock()

	if outbox != nil {
		outbox.Close()
	}

	s.manager.metrics.RecordPlayerLeft()
	s.emit(event.DonePlay, pub.ID())

	s.attach()
}

// fail rejects the request with the status of err
func (s *Session) fail(err error) error {
	s.conn.SetStatus(StatusCode(err))
	s.manager.metrics.RecordRejection(rejectionReason(err))
	s.Stop()
	return err
}

func (s *Session) isStopped() bool {
	return s.machine.Is(StateStopped)
}

func (s *Session) arg(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.args.Get(key)
}

// emit publishes a lifecycle notification with the payload of its kind
func (s *Session) emit(kind event.Kind, publisherID string) {
	s.mu.Lock()
	e := event.Event{
		Kind:        kind,
		SessionID:   s.id,
		Protocol:    s.conn.Protocol(),
		StreamPath:  s.StreamPath(),
		Args:        s.args,
		PublisherID: publisherID,
	}
	switch kind {
	case event.PreConnect, event.PostConnect, event.DoneConnect:
		e.Method = s.method
	}
	s.mu.Unlock()

	s.manager.bus.Emit(e)
}

// Info returns a snapshot of the session
func (s *Session) Info() Info {
	req := s.conn.Request()

	s.mu.Lock()
	info := Info{
		ID:          s.id,
		Protocol:    s.conn.Protocol(),
		Role:        s.Role().String(),
		State:       s.State(),
		StreamPath:  s.StreamPath(),
		Method:      s.method,
		RemoteAddr:  req.RemoteAddr,
		Args:        s.args,
		ConnectTime: s.connectTime,
	}
	if s.joined != nil {
		info.PublisherID = s.joined.ID()
	}
	s.mu.Unlock()

	info.Idle = s.manager.registry.IsIdle(s.id)
	info.Buffer = s.buffer.Stats()
	if pub := s.publisher.Load(); pub != nil {
		pi := pub.Info()
		info.Publisher = &pi
	}

	return info
}
