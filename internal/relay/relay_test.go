package relay

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lordmau5/Node-Media-Server/internal/flv"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingPlayer struct {
	id     string
	mu     sync.Mutex
	writes [][]byte
	fail   error
}

func (p *recordingPlayer) ID() string { return p.id }

func (p *recordingPlayer) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.writes = append(p.writes, data)
	return nil
}

func (p *recordingPlayer) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

var (
	aacHeader = []byte{0xAF, 0x00, 0x12, 0x10}
	aacFrame  = []byte{0xAF, 0x01, 0x21, 0x00}
	avcHeader = []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01, 0x64}
	avcKey    = []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0x65, 0x88}
	avcInter  = []byte{0x27, 0x01, 0x00, 0x00, 0x00, 0x41, 0x9A}
	metadata  = []byte{0x02, 0x00, 0x0A, 'o', 'n', 'M', 'e', 't', 'a', 'D', 'a', 't', 'a'}
)

func newTestPublisher(opts Options) *Publisher {
	return NewPublisher("pub-1", "/live/test", opts, quietLogger())
}

func TestJoinBurstOrder(t *testing.T) {
	pub := newTestPublisher(Options{GOPCache: true})
	pub.SetMetadata(metadata)
	pub.WriteAudio(0, aacHeader)
	pub.WriteVideo(0, avcHeader)
	pub.WriteVideo(40, avcKey)
	pub.WriteAudio(42, aacFrame)
	pub.WriteVideo(80, avcInter)

	player := &recordingPlayer{id: "player-1"}
	require.NoError(t, pub.Join(player))

	writes := player.Writes()
	require.Len(t, writes, 7)

	assert.Equal(t, flv.StreamHeader(true, true), writes[0])
	assert.Equal(t, byte(0x05), writes[0][4])
	assert.Equal(t, flv.CreateTag(flv.TagHeader{Type: flv.TagTypeScript}, metadata), writes[1])
	assert.Equal(t, flv.CreateTag(flv.TagHeader{Type: flv.TagTypeAudio}, aacHeader), writes[2])
	assert.Equal(t, flv.CreateTag(flv.TagHeader{Type: flv.TagTypeVideo}, avcHeader), writes[3])
	assert.Equal(t, flv.CreateTag(flv.TagHeader{Type: flv.TagTypeVideo, Timestamp: 40}, avcKey), writes[4])
	assert.Equal(t, flv.CreateTag(flv.TagHeader{Type: flv.TagTypeAudio, Timestamp: 42}, aacFrame), writes[5])
	assert.Equal(t, flv.CreateTag(flv.TagHeader{Type: flv.TagTypeVideo, Timestamp: 80}, avcInter), writes[6])

	// live tags follow the burst
	pub.WriteVideo(120, avcInter)
	writes = player.Writes()
	require.Len(t, writes, 8)
	assert.Equal(t, flv.CreateTag(flv.TagHeader{Type: flv.TagTypeVideo, Timestamp: 120}, avcInter), writes[7])
}

func TestJoinBurstWithoutMedia(t *testing.T) {
	pub := newTestPublisher(Options{GOPCache: true})
	player := &recordingPlayer{id: "player-1"}

	require.NoError(t, pub.Join(player))
	assert.Equal(t, [][]byte{flv.StreamHeader(false, false)}, player.Writes())
}

func TestJoinSkipsSequenceHeadersForOtherCodecs(t *testing.T) {
	pub := newTestPublisher(Options{})
	pub.WriteAudio(0, []byte{0x2F, 0xFF, 0xFB}) // mp3
	pub.WriteVideo(0, []byte{0x12, 0x00, 0x00}) // sorenson key frame

	player := &recordingPlayer{id: "player-1"}
	require.NoError(t, pub.Join(player))

	writes := player.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, byte(0x05), writes[0][4])
}

func TestKeyFrameResetsGOPCache(t *testing.T) {
	pub := newTestPublisher(Options{GOPCache: true})
	pub.WriteVideo(0, avcKey)
	pub.WriteVideo(40, avcInter)
	pub.WriteVideo(80, avcInter)
	assert.Equal(t, 3, pub.Info().GOPTags)

	pub.WriteVideo(120, avcKey)
	info := pub.Info()
	assert.Equal(t, 1, info.GOPTags)

	player := &recordingPlayer{id: "player-1"}
	require.NoError(t, pub.Join(player))
	writes := player.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, flv.CreateTag(flv.TagHeader{Type: flv.TagTypeVideo, Timestamp: 120}, avcKey), writes[1])
}

func TestGOPCacheDisabled(t *testing.T) {
	pub := newTestPublisher(Options{GOPCache: false})
	pub.WriteVideo(0, avcKey)
	pub.WriteAudio(0, aacFrame)

	assert.Equal(t, 0, pub.Info().GOPTags)
}

func TestGOPCacheLimit(t *testing.T) {
	cache := NewGOPCache(40)
	cache.Add(make([]byte, 15))
	cache.Add(make([]byte, 15))
	cache.Add(make([]byte, 15))

	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, 30, cache.Size())
	assert.Equal(t, uint64(1), cache.Evicted())

	cache.Add(make([]byte, 100))
	assert.Equal(t, 1, cache.Len(), "newest tag is always kept")

	cache.Reset()
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, 0, cache.Size())
	assert.Equal(t, uint64(1), cache.Resets())
}

func TestFanOutOrderAcrossPlayers(t *testing.T) {
	pub := newTestPublisher(Options{GOPCache: true})
	a := &recordingPlayer{id: "a"}
	b := &recordingPlayer{id: "b"}
	require.NoError(t, pub.Join(a))
	require.NoError(t, pub.Join(b))

	for i := 0; i < 10; i++ {
		pub.WriteAudio(uint32(i), aacFrame)
	}

	assert.Equal(t, a.Writes(), b.Writes())
	assert.Len(t, a.Writes(), 11)
}

func TestConcurrentJoinNeverSeesLiveTagBeforeBurst(t *testing.T) {
	pub := newTestPublisher(Options{GOPCache: true})
	pub.WriteVideo(0, avcKey)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ts := uint32(1); ts <= 2000; ts++ {
			pub.WriteVideo(ts, avcInter)
		}
	}()

	players := make([]*recordingPlayer, 20)
	for i := range players {
		players[i] = &recordingPlayer{id: string(rune('a' + i))}
		require.NoError(t, pub.Join(players[i]))
	}
	wg.Wait()

	for _, p := range players {
		writes := p.Writes()
		require.Len(t, writes, 2002, "player %s", p.id)
		assert.Equal(t, flv.StreamHeader(false, true), writes[0])

		for i, w := range writes[1:] {
			header, err := flv.ParseTagHeader(w)
			require.NoError(t, err)
			if header.Timestamp != uint32(i) {
				t.Fatalf("player %s: tag %d has timestamp %d", p.id, i, header.Timestamp)
			}
		}
	}
}

func TestFailedWriteDropsPlayer(t *testing.T) {
	var dropped []string
	pub := newTestPublisher(Options{OnPlayerDropped: func(p Player, err error) {
		dropped = append(dropped, p.ID())
	}})

	good := &recordingPlayer{id: "good"}
	bad := &recordingPlayer{id: "bad"}
	require.NoError(t, pub.Join(good))
	require.NoError(t, pub.Join(bad))

	bad.fail = errors.New("broken pipe")
	pub.WriteAudio(0, aacFrame)

	assert.Equal(t, []string{"bad"}, dropped)
	assert.Equal(t, []string{"good"}, pub.Players())
	assert.False(t, pub.HasPlayer("bad"))
	assert.Equal(t, uint64(1), pub.Info().DroppedPlayers)
}

func TestJoinFailureDoesNotRegister(t *testing.T) {
	pub := newTestPublisher(Options{})
	player := &recordingPlayer{id: "p", fail: errors.New("closed")}

	assert.Error(t, pub.Join(player))
	assert.Empty(t, pub.Players())
}

func TestJoinTwice(t *testing.T) {
	pub := newTestPublisher(Options{})
	player := &recordingPlayer{id: "p"}

	require.NoError(t, pub.Join(player))
	assert.ErrorIs(t, pub.Join(player), ErrAlreadyJoined)
}

func TestLeave(t *testing.T) {
	pub := newTestPublisher(Options{})
	player := &recordingPlayer{id: "p"}
	require.NoError(t, pub.Join(player))

	assert.True(t, pub.Leave("p"))
	assert.False(t, pub.Leave("p"))

	pub.WriteAudio(0, aacFrame)
	assert.Len(t, player.Writes(), 1)
}

func TestClose(t *testing.T) {
	pub := newTestPublisher(Options{GOPCache: true})
	a := &recordingPlayer{id: "a"}
	b := &recordingPlayer{id: "b"}
	require.NoError(t, pub.Join(b))
	require.NoError(t, pub.Join(a))
	pub.WriteVideo(0, avcKey)

	players := pub.Close()
	require.Len(t, players, 2)
	assert.Equal(t, "a", players[0].ID())
	assert.Equal(t, "b", players[1].ID())
	assert.True(t, pub.Closed())
	assert.Nil(t, pub.Close())

	assert.ErrorIs(t, pub.Join(&recordingPlayer{id: "c"}), ErrPublisherClosed)

	pub.WriteVideo(40, avcInter)
	assert.Len(t, a.Writes(), 2, "writes after close are ignored")
	assert.Equal(t, 0, pub.Info().GOPTags)
}

func TestOnTagHook(t *testing.T) {
	var types []uint8
	pub := newTestPublisher(Options{OnTag: func(tagType uint8, size int, players int) {
		types = append(types, tagType)
	}})

	pub.SetMetadata(metadata)
	pub.WriteAudio(0, aacFrame)
	pub.WriteVideo(0, avcKey)

	assert.Equal(t, []uint8{flv.TagTypeScript, flv.TagTypeAudio, flv.TagTypeVideo}, types)
}

type blockingPlayer struct {
	recordingPlayer
	release chan struct{}
}

func (p *blockingPlayer) Write(data []byte) error {
	<-p.release
	return p.recordingPlayer.Write(data)
}

func TestOutboxDropsWhenFull(t *testing.T) {
	target := &blockingPlayer{recordingPlayer: recordingPlayer{id: "slow"}, release: make(chan struct{})}
	outbox := NewOutbox(target, 2, nil)

	// the writer goroutine holds one item while blocked; fill until the queue rejects
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = outbox.Write([]byte{byte(i)})
	}
	assert.ErrorIs(t, err, ErrSlowPlayer)
	assert.Equal(t, "slow", outbox.ID())

	close(target.release)
	outbox.Close()

	assert.Equal(t, uint64(len(target.Writes())), outbox.Written())
	assert.ErrorIs(t, outbox.Write([]byte{1}), ErrOutboxClosed)
}

func TestOutboxReportsTargetError(t *testing.T) {
	target := &recordingPlayer{id: "p", fail: errors.New("reset by peer")}
	errCh := make(chan error, 1)
	outbox := NewOutbox(target, 4, func(err error) { errCh <- err })

	require.NoError(t, outbox.Write([]byte{1}))

	select {
	case err := <-errCh:
		assert.EqualError(t, err, "reset by peer")
	case <-time.After(time.Second):
		t.Fatal("outbox did not report the write error")
	}

	outbox.Close()
	assert.Equal(t, uint64(0), outbox.Written())
}

func TestOutboxFlushesOnClose(t *testing.T) {
	target := &recordingPlayer{id: "p"}
	outbox := NewOutbox(target, 8, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, outbox.Write([]byte{byte(i)}))
	}
	outbox.Close()

	writes := target.Writes()
	require.Len(t, writes, 5)
	for i, w := range writes {
		assert.True(t, bytes.Equal([]byte{byte(i)}, w))
	}
}

func TestJoinThroughOutboxBypassesQueueForBurst(t *testing.T) {
	pub := newTestPublisher(Options{GOPCache: true})
	pub.WriteVideo(0, avcHeader)
	pub.WriteVideo(40, avcKey)
	for i := 1; i <= 20; i++ {
		pub.WriteVideo(uint32(40+i*40), avcInter)
	}

	target := &recordingPlayer{id: "player-1"}
	outbox := NewOutbox(target, 2, nil)
	require.NoError(t, pub.Join(outbox))

	// header, sequence header and 21 GOP tags reach the target synchronously
	writes := target.Writes()
	require.Len(t, writes, 23)
	assert.Equal(t, flv.CreateTag(flv.TagHeader{Type: flv.TagTypeVideo, Timestamp: 40}, avcKey), writes[2])
	assert.Equal(t, flv.CreateTag(flv.TagHeader{Type: flv.TagTypeVideo, Timestamp: 840}, avcInter), writes[22])
	assert.Zero(t, outbox.Written())
	assert.Equal(t, []string{"player-1"}, pub.Info().Players)

	// live tags go through the queue
	pub.WriteVideo(880, avcInter)
	outbox.Close()
	writes = target.Writes()
	require.Len(t, writes, 24)
	assert.Equal(t, flv.CreateTag(flv.TagHeader{Type: flv.TagTypeVideo, Timestamp: 880}, avcInter), writes[23])
	assert.Equal(t, uint64(1), outbox.Written())
}
