package event

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// Kind enumerates session lifecycle notifications.
type Kind int

const (
	// PreConnect fires once the request target is parsed, before validation.
	// Payload: SessionID, Protocol, Method, StreamPath, Args.
	PreConnect Kind = iota
	// PostConnect fires when the request target passed format validation.
	// Payload: as PreConnect.
	PostConnect
	// DoneConnect fires unconditionally during teardown.
	// Payload: as PreConnect (empty StreamPath if the request never parsed).
	DoneConnect
	// PrePlay fires when a play request is dispatched, before authentication.
	// Payload: SessionID, Protocol, StreamPath, Args.
	PrePlay
	// PostPlay fires after the join burst has been written.
	// Payload: as PrePlay, plus PublisherID.
	PostPlay
	// DonePlay fires when a player leaves its publisher.
	// Payload: as PostPlay.
	DonePlay
	// PrePublish fires when an ingest request is dispatched, before authentication.
	// Payload: SessionID, Protocol, StreamPath, Args.
	PrePublish
	// PostPublish fires once the stream path is claimed.
	// Payload: as PrePublish.
	PostPublish
	// DonePublish fires when the publisher releases the stream path.
	// Payload: as PrePublish.
	DonePublish
)

var kindNames = [...]string{
	PreConnect:  "preConnect",
	PostConnect: "postConnect",
	DoneConnect: "doneConnect",
	PrePlay:     "prePlay",
	PostPlay:    "postPlay",
	DonePlay:    "donePlay",
	PrePublish:  "prePublish",
	PostPublish: "postPublish",
	DonePublish: "donePublish",
}

// Kinds lists every notification kind in lifecycle order
func Kinds() []Kind {
	return []Kind{PreConnect, PostConnect, DoneConnect, PrePlay, PostPlay, DonePlay, PrePublish, PostPublish, DonePublish}
}

// String returns the notification name
func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind resolves a notification name
func ParseKind(name string) (Kind, error) {
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", name)
}

// Event is one notification. Fields outside a kind's documented payload are zero.
type Event struct {
	Kind        Kind       `json:"-"`
	Name        string     `json:"event"`
	SessionID   string     `json:"session_id"`
	Protocol    string     `json:"protocol,omitempty"`
	Method      string     `json:"method,omitempty"`
	StreamPath  string     `json:"stream_path,omitempty"`
	Args        url.Values `json:"args,omitempty"`
	PublisherID string     `json:"publisher_id,omitempty"`
	Time        time.Time  `json:"time"`
}

// Handler consumes notifications. Handlers run synchronously on the emitting goroutine.
type Handler func(Event)

type subscription struct {
	id      uint64
	kinds   map[Kind]bool // nil means every kind
	handler Handler
}

// Bus dispatches notifications to subscribers in subscription order.
type Bus struct {
	mu     sync.Mutex
	subs   atomic.Value // []*subscription, replaced on every change
	nextID uint64

	emitted atomic.Uint64
}

// NewBus creates an empty bus
func NewBus() *Bus {
	b := &Bus{}
	b.subs.Store([]*subscription{})
	return b
}

// Subscribe registers handler for the given kinds (all kinds when none are given)
// and returns a function that removes the subscription.
func (b *Bus) Subscribe(handler Handler, kinds ...Kind) func() {
	sub := &subscription{handler: handler}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	current := b.subs.Load().([]*subscription)
	next := make([]*subscription, len(current), len(current)+1)
	copy(next, current)
	b.subs.Store(append(next, sub))
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(sub.id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.subs.Load().([]*subscription)
	next := make([]*subscription, 0, len(current))
	for _, s := range current {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.subs.Store(next)
}

// Emit delivers e to every matching subscriber. Time and Name are filled in when unset.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.Name = e.Kind.String()
	b.emitted.Add(1)

	for _, s := range b.subs.Load().([]*subscription) {
		if s.kinds != nil && !s.kinds[e.Kind] {
			continue
		}
		s.handler(e)
	}
}

// Emitted returns the number of notifications emitted
func (b *Bus) Emitted() uint64 {
	return b.emitted.Load()
}

// Subscribers returns the number of active subscriptions
func (b *Bus) Subscribers() int {
	return len(b.subs.Load().([]*subscription))
}
