package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Lordmau5/Node-Media-Server/internal/flv"
)

var (
	// ErrPublisherClosed is returned when joining a publisher that already stopped.
	ErrPublisherClosed = errors.New("publisher closed")

	// ErrAlreadyJoined is returned when a player joins the same publisher twice.
	ErrAlreadyJoined = errors.New("player already joined")
)

// Player is a relay target. Write must deliver data in call order.
type Player interface {
	ID() string
	Write(data []byte) error
}

// Options configures a Publisher
type Options struct {
	GOPCache      bool
	GOPCacheLimit int // bytes, 0 = unbounded

	// OnPlayerDropped is called, outside the publisher lock, for every player
	// removed because a write to it failed.
	OnPlayerDropped func(player Player, err error)

	// OnTag is called, under the publisher lock, after a live tag was fanned out.
	OnTag func(tagType uint8, size int, players int)
}

// Publisher holds the relay state of one live stream: first-frame flags, codec
// ids, metadata, sequence headers, the GOP cache and the set of players.
// Fan-out and joins are serialized by one lock, so a joining player receives its
// whole burst before any live tag and every player sees tags in emission order.
type Publisher struct {
	id         string
	streamPath string
	opts       Options
	logger     *slog.Logger
	startTime  time.Time

	mu                  sync.Mutex
	closed              bool
	firstAudioReceived  bool
	firstVideoReceived  bool
	audioCodec          uint8
	videoCodec          uint8
	metadata            []byte
	audioSequenceHeader []byte
	videoSequenceHeader []byte
	gop                 *GOPCache
	players             map[string]Player

	// Statistics
	tagsIn         uint64
	bytesIn        uint64
	tagsOut        uint64
	droppedPlayers uint64
}

// PublisherInfo represents publisher state for monitoring
type PublisherInfo struct {
	ID             string    `json:"id"`
	StreamPath     string    `json:"stream_path"`
	StartTime      time.Time `json:"start_time"`
	HasAudio       bool      `json:"has_audio"`
	HasVideo       bool      `json:"has_video"`
	AudioCodec     uint8     `json:"audio_codec"`
	VideoCodec     uint8     `json:"video_codec"`
	HasMetadata    bool      `json:"has_metadata"`
	Players        []string  `json:"players"`
	GOPTags        int       `json:"gop_tags"`
	GOPBytes       int       `json:"gop_bytes"`
	TagsIn         uint64    `json:"tags_in"`
	BytesIn        uint64    `json:"bytes_in"`
	TagsOut        uint64    `json:"tags_out"`
	DroppedPlayers uint64    `json:"dropped_players"`
	Closed         bool      `json:"closed"`
}

type droppedPlayer struct {
	player Player
	err    error
}

// NewPublisher creates the relay state for a stream path
func NewPublisher(id, streamPath string, opts Options, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		id:         id,
		streamPath: streamPath,
		opts:       opts,
		logger:     logger.With(slog.String("stream_path", streamPath), slog.String("publisher_id", id)),
		startTime:  time.Now(),
		gop:        NewGOPCache(opts.GOPCacheLimit),
		players:    make(map[string]Player),
	}
}

// ID returns the publishing session id
func (p *Publisher) ID() string { return p.id }

// StreamPath returns the published stream path
func (p *Publisher) StreamPath() string { return p.streamPath }

// burstTarget is implemented by players that receive the join burst through a
// different writer than live tags, such as an Outbox.
type burstTarget interface {
	BurstTarget() Player
}

// Join writes the join burst to player and registers it for live relay in one
// step with respect to fan-out. On a write failure the player is not registered.
func (p *Publisher) Join(player Player) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	if _, exists := p.players[player.ID()]; exists {
		return ErrAlreadyJoined
	}

	writer := player
	if bt, ok := player.(burstTarget); ok {
		writer = bt.BurstTarget()
	}

	for _, data := range p.burstLocked() {
		if err := writer.Write(data); err != nil {
			return fmt.Errorf("failed to send join burst: %w", err)
		}
	}

	p.players[player.ID()] = player

	p.logger.Debug("Player joined",
		slog.String("player_id", player.ID()),
		slog.Int("gop_tags", p.gop.Len()),
		slog.Int("players", len(p.players)),
	)

	return nil
}

// burstLocked builds header, metadata, sequence headers and GOP cache, in that order
func (p *Publisher) burstLocked() [][]byte {
	burst := make([][]byte, 0, 4+p.gop.Len())
	burst = append(burst, flv.StreamHeader(p.firstAudioReceived, p.firstVideoReceived))

	if p.metadata != nil {
		burst = append(burst, flv.CreateTag(flv.TagHeader{
			Type:    flv.TagTypeScript,
			Channel: flv.ChannelMetadata,
		}, p.metadata))
	}

	if flv.NeedsAudioSequenceHeader(p.audioCodec) && p.audioSequenceHeader != nil {
		burst = append(burst, flv.CreateTag(flv.TagHeader{
			Type:    flv.TagTypeAudio,
			Channel: flv.ChannelAudio,
		}, p.audioSequenceHeader))
	}

	if flv.NeedsVideoSequenceHeader(p.videoCodec) && p.videoSequenceHeader != nil {
		burst = append(burst, flv.CreateTag(flv.TagHeader{
			Type:    flv.TagTypeVideo,
			Channel: flv.ChannelVideo,
		}, p.videoSequenceHeader))
	}

	_ = p.gop.Each(func(tag []byte) error {
		burst = append(burst, tag)
		return nil
	})

	return burst
}

// Leave removes a player; it reports whether the player was registered
func (p *Publisher) Leave(playerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.players[playerID]; !exists {
		return false
	}
	delete(p.players, playerID)

	p.logger.Debug("Player left",
		slog.String("player_id", playerID),
		slog.Int("players", len(p.players)),
	)
	return true
}

// HasPlayer reports whether playerID is a live relay target
func (p *Publisher) HasPlayer(playerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, exists := p.players[playerID]
	return exists
}

// Players returns the ids of the current relay targets, sorted
func (p *Publisher) Players() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playerIDsLocked()
}

func (p *Publisher) playerIDsLocked() []string {
	ids := make([]string, 0, len(p.players))
	for id := range p.players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetMetadata replaces the stream metadata and relays it to current players
func (p *Publisher) SetMetadata(data []byte) {
	tag := flv.CreateTag(flv.TagHeader{Type: flv.TagTypeScript, Channel: flv.ChannelMetadata}, data)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.metadata = clone(data)
	dropped := p.broadcastLocked(flv.TagTypeScript, tag)
	p.mu.Unlock()

	p.handleDropped(dropped)
}

// WriteAudio records an inbound audio payload and relays it
func (p *Publisher) WriteAudio(timestamp uint32, payload []byte) {
	if len(payload) == 0 {
		return
	}

	codec := flv.AudioCodecID(payload)
	isHeader := flv.IsAudioSequenceHeader(payload)
	tag := flv.CreateTag(flv.TagHeader{Type: flv.TagTypeAudio, Timestamp: timestamp, Channel: flv.ChannelAudio}, payload)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	if !p.firstAudioReceived {
		p.firstAudioReceived = true
		p.audioCodec = codec
		p.logger.Info("First audio received", slog.Int("codec", int(codec)))
	}
	if isHeader {
		p.audioCodec = codec
		p.audioSequenceHeader = clone(payload)
	} else if p.opts.GOPCache {
		p.gop.Add(tag)
	}

	dropped := p.broadcastLocked(flv.TagTypeAudio, tag)
	p.mu.Unlock()

	p.handleDropped(dropped)
}

// WriteVideo records an inbound video payload and relays it. A key frame
// clears the GOP cache before being cached itself.
func (p *Publisher) WriteVideo(timestamp uint32, payload []byte) {
	if len(payload) == 0 {
		return
	}

	codec := flv.VideoCodecID(payload)
	isHeader := flv.IsVideoSequenceHeader(payload)
	isKey := flv.IsKeyFrame(payload)
	tag := flv.CreateTag(flv.TagHeader{Type: flv.TagTypeVideo, Timestamp: timestamp, Channel: flv.ChannelVideo}, payload)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	if !p.firstVideoReceived {
		p.firstVideoReceived = true
		p.videoCodec = codec
		p.logger.Info("First video received", slog.Int("codec", int(codec)))
	}
	if isHeader {
		p.videoCodec = codec
		p.videoSequenceHeader = clone(payload)
	} else if p.opts.GOPCache {
		if isKey {
			p.gop.Reset()
		}
		p.gop.Add(tag)
	}

	dropped := p.broadcastLocked(flv.TagTypeVideo, tag)
	p.mu.Unlock()

	p.handleDropped(dropped)
}

// broadcastLocked writes tag to every player, removing players whose write fails
func (p *Publisher) broadcastLocked(tagType uint8, tag []byte) []droppedPlayer {
	p.tagsIn++
	p.bytesIn += uint64(len(tag))

	var dropped []droppedPlayer
	for id, player := range p.players {
		if err := player.Write(tag); err != nil {
			delete(p.players, id)
			dropped = append(dropped, droppedPlayer{player: player, err: err})
			continue
		}
		p.tagsOut++
	}
	p.droppedPlayers += uint64(len(dropped))

	if p.opts.OnTag != nil {
		p.opts.OnTag(tagType, len(tag), len(p.players))
	}

	return dropped
}

func (p *Publisher) handleDropped(dropped []droppedPlayer) {
	for _, d := range dropped {
		p.logger.Warn("Dropping player after failed write",
			slog.String("player_id", d.player.ID()),
			slog.String("error", d.err.Error()),
		)
		if p.opts.OnPlayerDropped != nil {
			p.opts.OnPlayerDropped(d.player, d.err)
		}
	}
}

// Close stops relaying and returns the players that were attached. Later
// joins fail with ErrPublisherClosed and later writes are ignored.
func (p *Publisher) Close() []Player {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	players := make([]Player, 0, len(p.players))
	for _, id := range p.playerIDsLocked() {
		players = append(players, p.players[id])
	}
	p.players = make(map[string]Player)
	p.gop.Reset()

	p.logger.Info("Publisher closed",
		slog.Int("players", len(players)),
		slog.Uint64("tags_in", p.tagsIn),
		slog.Duration("duration", time.Since(p.startTime)),
	)

	return players
}

// Closed reports whether Close has been called
func (p *Publisher) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Info returns a snapshot of the publisher state
func (p *Publisher) Info() PublisherInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PublisherInfo{
		ID:             p.id,
		StreamPath:     p.streamPath,
		StartTime:      p.startTime,
		HasAudio:       p.firstAudioReceived,
		HasVideo:       p.firstVideoReceived,
		AudioCodec:     p.audioCodec,
		VideoCodec:     p.videoCodec,
		HasMetadata:    p.metadata != nil,
		Players:        p.playerIDsLocked(),
		GOPTags:        p.gop.Len(),
		GOPBytes:       p.gop.Size(),
		TagsIn:         p.tagsIn,
		BytesIn:        p.bytesIn,
		TagsOut:        p.tagsOut,
		DroppedPlayers: p.droppedPlayers,
		Closed:         p.closed,
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
