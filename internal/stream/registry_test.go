package stream

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id       string
	path     string
	rejected atomic.Int32
}

func (f *fakeSession) ID() string         { return f.id }
func (f *fakeSession) StreamPath() string { return f.path }
func (f *fakeSession) Reject()            { f.rejected.Add(1) }

func newTestRegistry(t *testing.T, idleTimeout time.Duration) *Registry {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewRegistry(logger, idleTimeout)
}

func TestRegisterSession(t *testing.T) {
	r := newTestRegistry(t, 0)
	defer r.Stop()

	a := &fakeSession{id: "a"}
	require.NoError(t, r.RegisterSession(a))
	assert.ErrorIs(t, r.RegisterSession(a), ErrSessionExists)

	got, ok := r.Session("a")
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, 1, r.SessionCount())

	assert.True(t, r.DeregisterSession("a"))
	assert.False(t, r.DeregisterSession("a"))
	_, ok = r.Session("a")
	assert.False(t, ok)
}

func TestPublisherSingleWriterPerPath(t *testing.T) {
	r := newTestRegistry(t, 0)
	defer r.Stop()

	require.NoError(t, r.RegisterPublisher("/live/x", "p1"))
	assert.ErrorIs(t, r.RegisterPublisher("/live/x", "p2"), ErrPublisherExists)

	id, ok := r.LookupPublisher("/live/x")
	assert.True(t, ok)
	assert.Equal(t, "p1", id)

	assert.False(t, r.UnregisterPublisher("/live/x", "p2"), "only the holder may release the path")
	assert.True(t, r.UnregisterPublisher("/live/x", "p1"))

	_, ok = r.LookupPublisher("/live/x")
	assert.False(t, ok)
	require.NoError(t, r.RegisterPublisher("/live/x", "p2"))
	assert.Equal(t, map[string]string{"/live/x": "p2"}, r.Publishers())
}

func TestIdlePlayers(t *testing.T) {
	r := newTestRegistry(t, 0)
	defer r.Stop()

	require.NoError(t, r.RegisterSession(&fakeSession{id: "a", path: "/live/x"}))
	r.AddIdlePlayer("a")
	r.AddIdlePlayer("a")
	r.AddIdlePlayer("unknown")

	assert.Equal(t, []string{"a"}, r.IdlePlayers())
	assert.True(t, r.IsIdle("a"))
	assert.Equal(t, uint64(1), r.Stats().PlayersParked)

	assert.True(t, r.RemoveIdlePlayer("a"))
	assert.False(t, r.RemoveIdlePlayer("a"))
	assert.Empty(t, r.IdlePlayers())
}

func TestLookupOrPark(t *testing.T) {
	r := newTestRegistry(t, 0)
	defer r.Stop()

	id, found := r.LookupOrPark("/live/x", "player")
	assert.False(t, found)
	assert.Empty(t, id)
	assert.True(t, r.IsIdle("player"))

	require.NoError(t, r.RegisterPublisher("/live/x", "pub"))
	r.RemoveIdlePlayer("player")

	id, found = r.LookupOrPark("/live/x", "player")
	assert.True(t, found)
	assert.Equal(t, "pub", id)
	assert.False(t, r.IsIdle("player"))
}

func TestTakeIdlePlayers(t *testing.T) {
	r := newTestRegistry(t, 0)
	defer r.Stop()

	r.LookupOrPark("/live/x", "first")
	time.Sleep(time.Millisecond)
	r.LookupOrPark("/live/y", "other")
	time.Sleep(time.Millisecond)
	r.LookupOrPark("/live/x", "second")

	assert.Equal(t, []string{"first", "second"}, r.TakeIdlePlayers("/live/x"))
	assert.Empty(t, r.TakeIdlePlayers("/live/x"))
	assert.Equal(t, []string{"other"}, r.IdlePlayers())
}

func TestConcurrentParkAndPublishNeverLosesPlayers(t *testing.T) {
	for round := 0; round < 20; round++ {
		r := newTestRegistry(t, 0)

		var wg sync.WaitGroup
		var mu sync.Mutex
		joined := map[string]bool{}

		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("player-%d", i)
				if _, found := r.LookupOrPark("/live/x", id); found {
					mu.Lock()
					joined[id] = true
					mu.Unlock()
				}
			}(i)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, r.RegisterPublisher("/live/x", "pub"))
			for _, id := range r.TakeIdlePlayers("/live/x") {
				mu.Lock()
				joined[id] = true
				mu.Unlock()
			}
		}()
		wg.Wait()

		// players parked after the take found the publisher directly
		assert.Len(t, joined, 50)
		assert.Empty(t, r.IdlePlayers())
		r.Stop()
	}
}

func TestStopRejectsSessions(t *testing.T) {
	r := newTestRegistry(t, 0)

	a := &fakeSession{id: "a"}
	b := &fakeSession{id: "b"}
	require.NoError(t, r.RegisterSession(a))
	require.NoError(t, r.RegisterSession(b))

	r.Stop()
	assert.Equal(t, int32(1), a.rejected.Load())
	assert.Equal(t, int32(1), b.rejected.Load())
}

func TestIdleTimeoutRejectsWaitingPlayers(t *testing.T) {
	r := newTestRegistry(t, 30*time.Millisecond)
	defer r.Stop()

	waiting := &fakeSession{id: "w", path: "/live/none"}
	require.NoError(t, r.RegisterSession(waiting))
	r.AddIdlePlayer("w")

	assert.Eventually(t, func() bool {
		return waiting.rejected.Load() == 1
	}, time.Second, 10*time.Millisecond)

	assert.False(t, r.IsIdle("w"))
	assert.Equal(t, uint64(1), r.Stats().IdleExpired)
}
