// Package cache is the hot side of the storage split: a TTL key/value
// holding each session's recent context window and latest state blob.
// It is strictly best-effort; a miss or a disabled cache falls through to
// the relational store, which remains the source of truth.
package cache

import (
	"sync"
	"time"
)

// Message is one cached context entry.
type Message struct {
	ID      int64  `json:"id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Cache holds per-session hot data. Implementations never return errors:
// a failed read is a miss, a failed write is dropped.
type Cache interface {
	// Context returns the cached context window, or ok=false on a miss.
	Context(sessionUUID string) (messages []Message, ok bool)
	// SetContext replaces the context window, truncated to the history
	// limit (oldest entries dropped).
	SetContext(sessionUUID string, messages []Message)
	// State returns the cached state blob, or ok=false on a miss.
	State(sessionUUID string) (stateJSON string, ok bool)
	SetState(sessionUUID string, stateJSON string)
	// Clear drops both entries for the session.
	Clear(sessionUUID string)
	Close() error
}

type entry struct {
	messages  []Message
	stateJSON string
	hasState  bool
	expires   time.Time
}

// TTLCache is the in-process implementation: one map under a RWMutex with
// a janitor goroutine sweeping expired entries.
type TTLCache struct {
	mu           sync.RWMutex
	entries      map[string]*entry
	ttl          time.Duration
	historyLimit int
	done         chan struct{}
	closeOnce    sync.Once
}

// New creates a running TTL cache. ttl <= 0 defaults to an hour,
// historyLimit <= 0 to 20 entries.
func New(ttl time.Duration, historyLimit int) *TTLCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if historyLimit <= 0 {
		historyLimit = 20
	}

	c := &TTLCache{
		entries:      make(map[string]*entry),
		ttl:          ttl,
		historyLimit: historyLimit,
		done:         make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *TTLCache) janitor() {
	interval := c.ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for key, e := range c.entries {
				if now.After(e.expires) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *TTLCache) live(sessionUUID string) (*entry, bool) {
	e, ok := c.entries[sessionUUID]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e, true
}

func (c *TTLCache) touch(sessionUUID string) *entry {
	e, ok := c.live(sessionUUID)
	if !ok {
		e = &entry{}
		c.entries[sessionUUID] = e
	}
	e.expires = time.Now().Add(c.ttl)
	return e
}

func (c *TTLCache) Context(sessionUUID string) ([]Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.live(sessionUUID)
	if !ok || e.messages == nil {
		return nil, false
	}
	out := make([]Message, len(e.messages))
	copy(out, e.messages)
	return out, true
}

func (c *TTLCache) SetContext(sessionUUID string, messages []Message) {
	if len(messages) > c.historyLimit {
		messages = messages[len(messages)-c.historyLimit:]
	}
	stored := make([]Message, len(messages))
	copy(stored, messages)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch(sessionUUID).messages = stored
}

func (c *TTLCache) State(sessionUUID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.live(sessionUUID)
	if !ok || !e.hasState {
		return "", false
	}
	return e.stateJSON, true
}

func (c *TTLCache) SetState(sessionUUID string, stateJSON string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.touch(sessionUUID)
	e.stateJSON = stateJSON
	e.hasState = true
}

func (c *TTLCache) Clear(sessionUUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionUUID)
}

func (c *TTLCache) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// HistoryLimit reports the configured context window cap.
func (c *TTLCache) HistoryLimit() int {
	return c.historyLimit
}

// Noop is the disabled cache: every read misses, every write is dropped.
// Consumers hold the same interface either way.
type Noop struct{}

func (Noop) Context(string) ([]Message, bool) { return nil, false }
func (Noop) SetContext(string, []Message)     {}
func (Noop) State(string) (string, bool)      { return "", false }
func (Noop) SetState(string, string)          {}
func (Noop) Clear(string)                     {}
func (Noop) Close() error                     { return nil }

var (
	_ Cache = (*TTLCache)(nil)
	_ Cache = Noop{}
)
