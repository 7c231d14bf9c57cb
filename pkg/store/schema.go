package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// chat_core tables. %s is the auto-increment primary key column, which is
// the only piece the dialects disagree on. Booleans are INTEGER 0/1 so the
// same DDL runs everywhere.
var chatCoreDDL = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
    id %s,
    uuid VARCHAR(64) NOT NULL UNIQUE,
    character_name VARCHAR(255) NOT NULL,
    last_state_json TEXT,
    created_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS messages (
    id %s,
    conversation_id BIGINT NOT NULL,
    role VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    is_summarized INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS memory_nodes (
    id %s,
    conversation_id BIGINT NOT NULL,
    summary_text TEXT NOT NULL,
    level VARCHAR(10) NOT NULL,
    timeline_tag VARCHAR(255),
    vector_id VARCHAR(255),
    is_merged INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS world_states (
    id %s,
    conversation_id BIGINT NOT NULL,
    message_id BIGINT,
    state_json TEXT NOT NULL,
    diff_summary TEXT,
    created_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS saga_entries (
    id %s,
    conversation_id BIGINT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS interaction_logs (
    id %s,
    conversation_id BIGINT NOT NULL,
    message_id BIGINT,
    full_prompt TEXT,
    rag_context TEXT,
    model_name VARCHAR(255),
    created_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS relationships (
    id %s,
    conversation_id BIGINT NOT NULL,
    name VARCHAR(255) NOT NULL,
    affinity INTEGER NOT NULL DEFAULT 0,
    note TEXT,
    last_event TEXT,
    created_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS lore_entries (
    id %s,
    conversation_id BIGINT NOT NULL DEFAULT 0,
    keyword VARCHAR(255) NOT NULL,
    content TEXT NOT NULL,
    sources TEXT,
    quality VARCHAR(32),
    created_at TIMESTAMP NOT NULL
)`,
}

var chatCoreIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_unsummarized ON messages(conversation_id, is_summarized)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_nodes_conversation ON memory_nodes(conversation_id, level, is_merged)`,
	`CREATE INDEX IF NOT EXISTS idx_world_states_message ON world_states(conversation_id, message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_lore_entries_keyword ON lore_entries(keyword)`,
}

// pkColumn is the auto-increment primary key declaration per dialect.
func pkColumn(dialect string) string {
	switch dialect {
	case "postgres":
		return "BIGSERIAL PRIMARY KEY"
	case "mysql":
		return "BIGINT PRIMARY KEY AUTO_INCREMENT"
	default:
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pk := pkColumn(s.dialect)
	for _, ddl := range chatCoreDDL {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(ddl, pk)); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range chatCoreIndexes {
		if err := execIndexDDL(ctx, s.db, s.dialect, ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// execIndexDDL runs index DDL. mysql has no IF NOT EXISTS for indexes, so
// the clause is stripped and duplicate-name errors are tolerated.
func execIndexDDL(ctx context.Context, q queryer, dialect, ddl string) error {
	if dialect == "mysql" {
		ddl = strings.Replace(ddl, "IF NOT EXISTS ", "", 1)
	}
	if _, err := q.ExecContext(ctx, ddl); err != nil {
		if dialect == "mysql" && strings.Contains(err.Error(), "Duplicate key name") {
			return nil
		}
		return err
	}
	return nil
}
