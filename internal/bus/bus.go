// Package bus is the in-process event fan-out between the ingest engine
// and the SSE gateway. Events are serialized once per publish and delivered
// to every subscriber's bounded mailbox; slow subscribers lose oldest
// events first and are evicted after repeated delivery failures.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultMailboxSize is the per-subscriber queue depth.
const DefaultMailboxSize = 200

// maxConsecutiveFailures is how many publishes in a row may fail to enqueue
// before the subscriber is dropped from the bus.
const maxConsecutiveFailures = 2

// Event is a serialized bus message. Data holds the JSON-encoded payload
// shared by all subscribers; it must not be mutated after publish.
type Event struct {
	Type string
	Data []byte
}

// Subscriber receives events on C until [Bus.Unsubscribe] or eviction
// closes it.
type Subscriber struct {
	C chan Event

	id uint64

	// mu guards closed and serializes sends against close.
	mu     sync.Mutex
	closed bool
	fails  int
}

// Bus fans events out to subscribers. The zero value is not usable;
// construct with [New].
type Bus struct {
	log     *slog.Logger
	mailbox int

	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

// Option configures a [Bus].
type Option func(*Bus)

// WithMailboxSize overrides the per-subscriber queue depth.
func WithMailboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.mailbox = n
		}
	}
}

// New creates an empty Bus. A nil logger falls back to [slog.Default].
func New(log *slog.Logger, opts ...Option) *Bus {
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		log:     log,
		mailbox: DefaultMailboxSize,
		subs:    make(map[uint64]*Subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber and returns its mailbox handle.
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{
		C:  make(chan Event, b.mailbox),
		id: b.nextID.Add(1),
	}
	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its channel. Safe to call more than once.
func (b *Bus) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked(s)
}

func (b *Bus) evictLocked(s *Subscriber) {
	delete(b.subs, s.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.C)
}

// Publish marshals payload once and delivers it to every subscriber.
// A full mailbox sheds its oldest event to make room; a subscriber that
// still cannot accept after shedding twice in a row is evicted.
func (b *Bus) Publish(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("bus: marshal event", "type", eventType, "error", err)
		return
	}
	ev := Event{Type: eventType, Data: data}
	b.published.Add(1)

	b.mu.Lock()
	snapshot := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		snapshot = append(snapshot, s)
	}
	b.mu.Unlock()

	var failed []*Subscriber
	for _, s := range snapshot {
		if b.deliver(s, ev) {
			continue
		}
		b.dropped.Add(1)
		if s.failCount() >= maxConsecutiveFailures {
			failed = append(failed, s)
		}
	}
	if len(failed) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range failed {
		b.log.Warn("bus: evicting slow subscriber", "id", s.id, "type", eventType)
		b.evictLocked(s)
	}
}

// deliver tries to enqueue ev, shedding the oldest queued event once if
// the mailbox is full. Sends never block and are serialized against close.
func (b *Bus) deliver(s *Subscriber, ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true // concurrently unsubscribed, nothing to count against it
	}
	select {
	case s.C <- ev:
		s.fails = 0
		return true
	default:
	}
	select {
	case <-s.C:
		b.dropped.Add(1)
	default:
	}
	select {
	case s.C <- ev:
		s.fails = 0
		return true
	default:
		s.fails++
		return false
	}
}

func (s *Subscriber) failCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fails
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Stats reports the total number of published and dropped events.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// Close evicts all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		b.evictLocked(s)
	}
}
