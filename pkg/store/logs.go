package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LogInteraction records the fully assembled prompt and retrieval context
// that produced an assistant message, for replay and debugging.
func (s *Store) LogInteraction(ctx context.Context, sessionID, messageID int64, fullPrompt, ragContext, modelName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO interaction_logs (conversation_id, message_id, full_prompt, rag_context, model_name, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = `INSERT INTO interaction_logs (conversation_id, message_id, full_prompt, rag_context, model_name, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	}

	if _, err := s.db.ExecContext(ctx, query, sessionID, messageID, fullPrompt, ragContext, modelName, time.Now()); err != nil {
		return fmt.Errorf("failed to insert interaction log: %w", err)
	}

	return nil
}

// RecordRelationship appends one sociologist verdict row. The table is an
// append-only audit trail; the live relationship map lives in the state
// blob.
func (s *Store) RecordRelationship(ctx context.Context, sessionID int64, name string, affinity int, note, lastEvent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO relationships (conversation_id, name, affinity, note, last_event, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = `INSERT INTO relationships (conversation_id, name, affinity, note, last_event, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	}

	if _, err := s.db.ExecContext(ctx, query, sessionID, name, affinity, note, lastEvent, time.Now()); err != nil {
		return fmt.Errorf("failed to insert relationship: %w", err)
	}

	return nil
}

// Relationships returns the session's relationship audit trail, newest
// first, up to limit.
func (s *Store) Relationships(ctx context.Context, sessionID int64, limit int) ([]Relationship, error) {
	query := `
SELECT id, conversation_id, name, affinity, note, last_event, created_at
FROM relationships
WHERE conversation_id = ?
ORDER BY id DESC
LIMIT ?
`
	if s.dialect == "postgres" {
		query = `
SELECT id, conversation_id, name, affinity, note, last_event, created_at
FROM relationships
WHERE conversation_id = $1
ORDER BY id DESC
LIMIT $2
`
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var r Relationship
		var note, lastEvent sql.NullString
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Name, &r.Affinity, &note, &lastEvent, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		r.Note = note.String
		r.LastEvent = lastEvent.String
		rels = append(rels, r)
	}

	return rels, rows.Err()
}

// AddLoreEntry records one harvested knowledge article. sessionID 0 means
// no session binding.
func (s *Store) AddLoreEntry(ctx context.Context, sessionID int64, keyword, content, sources, quality string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO lore_entries (conversation_id, keyword, content, sources, quality, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = `INSERT INTO lore_entries (conversation_id, keyword, content, sources, quality, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	}

	id, err := s.insertReturningID(ctx, s.db, query, sessionID, keyword, content, sources, quality, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to insert lore entry: %w", err)
	}

	return id, nil
}

// HasLore reports whether a keyword has already been harvested. The
// harvester uses this to skip duplicate work.
func (s *Store) HasLore(ctx context.Context, keyword string) (bool, error) {
	query := `SELECT COUNT(*) FROM lore_entries WHERE keyword = ?`
	if s.dialect == "postgres" {
		query = `SELECT COUNT(*) FROM lore_entries WHERE keyword = $1`
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, keyword).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to probe lore: %w", err)
	}

	return count > 0, nil
}

// LoreEntries returns the newest harvested articles, newest first.
func (s *Store) LoreEntries(ctx context.Context, limit int) ([]LoreEntry, error) {
	query := `
SELECT id, conversation_id, keyword, content, sources, quality, created_at
FROM lore_entries
ORDER BY id DESC
LIMIT ?
`
	if s.dialect == "postgres" {
		query = `
SELECT id, conversation_id, keyword, content, sources, quality, created_at
FROM lore_entries
ORDER BY id DESC
LIMIT $1
`
	}

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query lore entries: %w", err)
	}
	defer rows.Close()

	var entries []LoreEntry
	for rows.Next() {
		var e LoreEntry
		var sources, quality sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Keyword, &e.Content, &sources, &quality, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lore entry: %w", err)
		}
		e.Sources = sources.String
		e.Quality = quality.String
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
