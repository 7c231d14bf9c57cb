package logger

import (
	"sync"
	"time"
)

// Entry kinds carried by the bus. The websocket monitor maps them onto its
// message "type" field.
const (
	KindLog      = "log"
	KindDirector = "director"
)

// Entry is one record on the log bus.
type Entry struct {
	Kind    string    `json:"type"`
	Level   string    `json:"level,omitempty"`
	Message string    `json:"msg"`
	Time    time.Time `json:"timestamp"`
}

const replaySize = 200

// Bus fans log entries out to subscribers and keeps a bounded replay buffer
// so late joiners see recent history. Publishing never blocks: entries to a
// full subscriber channel are dropped.
type Bus struct {
	mu   sync.RWMutex
	ring []Entry
	next int
	full bool
	subs map[chan Entry]struct{}
}

var (
	busOnce sync.Once
	bus     *Bus
)

// DefaultBus returns the process-wide bus.
func DefaultBus() *Bus {
	busOnce.Do(func() {
		bus = NewBus()
	})
	return bus
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		ring: make([]Entry, replaySize),
		subs: make(map[chan Entry]struct{}),
	}
}

// Publish records a log-kind entry on the bus.
func (b *Bus) Publish(level, msg string) {
	b.publish(Entry{Kind: KindLog, Level: level, Message: msg, Time: time.Now()})
}

// PublishDirector records a director preview entry on the bus.
func (b *Bus) PublishDirector(content string) {
	b.publish(Entry{Kind: KindDirector, Message: content, Time: time.Now()})
}

func (b *Bus) publish(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	b.ring[b.next] = e
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a channel to receive future entries. The returned
// cancel function removes the subscription; it is safe to call twice.
func (b *Bus) Subscribe(ch chan Entry) func() {
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
		})
	}
}

// Replay returns the buffered entries, oldest first.
func (b *Bus) Replay() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.full {
		out := make([]Entry, b.next)
		copy(out, b.ring[:b.next])
		return out
	}
	out := make([]Entry, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	out = append(out, b.ring[:b.next]...)
	return out
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
