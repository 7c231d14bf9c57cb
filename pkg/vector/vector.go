// Package vector stores memory nodes and rule mirrors as embeddings and
// answers similarity queries, with an embedded chromem backend and remote
// Qdrant and Pinecone options.
package vector

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Collection names. long_term_memory holds episodic nodes and harvested
// lore; rules_memory holds one mirror entry per world-book rule.
const (
	CollectionMemory = "long_term_memory"
	CollectionRules  = "rules_memory"
)

// Metadata keys shared by both backends.
const (
	MetaType      = "type"
	MetaLevel     = "level"
	MetaTimeline  = "timeline"
	MetaSessionID = "session_id"
	MetaKeyword   = "keyword"

	TypeEpisodic = "episodic"
	TypeLore     = "INTERNET_LORE"

	LevelMicro = "MICRO"
	LevelMacro = "MACRO"
)

// Result is one search hit.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]any
}

// Filter scopes a memory query to one session's episodic entries while
// still admitting harvested lore, which is shared across sessions. The two
// conditions combine with OR.
type Filter struct {
	SessionID   string
	IncludeLore bool
}

// Provider is a vector store backend.
type Provider interface {
	Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error
	Search(ctx context.Context, collection string, vector []float32, topK int, filter *Filter) ([]Result, error)
	// Exists reports whether a document ID is already stored. Backends may
	// treat lookup failures as absence; callers use this for dedup only.
	Exists(ctx context.Context, collection string, id string) (bool, error)
	Delete(ctx context.Context, collection string, id string) error
	// DeleteBySession removes every record bound to the session. Records
	// without a session binding (internet lore) are untouched.
	DeleteBySession(ctx context.Context, collection string, sessionID string) error
	DeleteCollection(ctx context.Context, collection string) error
	Name() string
	Persist() error
	Close() error
}

// ID helpers. The prefix encodes the entry kind; the suffix keeps
// same-second writes distinct.

func NewMicroID(now time.Time) string {
	return fmt.Sprintf("micro_%d_%s", now.Unix(), uuid.NewString()[:4])
}

func NewMacroID(now time.Time) string {
	return fmt.Sprintf("macro_%d_%s", now.Unix(), uuid.NewString()[:4])
}

func NewLoreID(now time.Time) string {
	return fmt.Sprintf("lore_%d_%04d", now.Unix(), rand.Intn(10000))
}

func RuleID(id int64) string {
	return fmt.Sprintf("rule_%d", id)
}
