package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AddMemoryNode inserts a memory node and returns its ID.
func (s *Store) AddMemoryNode(ctx context.Context, sessionID int64, text, level, timelineTag, vectorID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO memory_nodes (conversation_id, summary_text, level, timeline_tag, vector_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = `INSERT INTO memory_nodes (conversation_id, summary_text, level, timeline_tag, vector_id, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	}

	id, err := s.insertReturningID(ctx, s.db, query, sessionID, text, level, timelineTag, vectorID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to insert memory node: %w", err)
	}

	return id, nil
}

// UnmergedMicroNodes returns the earliest MICRO nodes not yet folded into
// a MACRO, oldest first, up to limit.
func (s *Store) UnmergedMicroNodes(ctx context.Context, sessionID int64, limit int) ([]MemoryNode, error) {
	query := `
SELECT id, conversation_id, summary_text, level, timeline_tag, vector_id, is_merged, created_at
FROM memory_nodes
WHERE conversation_id = ? AND level = 'MICRO' AND is_merged = 0
ORDER BY id ASC
LIMIT ?
`
	if s.dialect == "postgres" {
		query = `
SELECT id, conversation_id, summary_text, level, timeline_tag, vector_id, is_merged, created_at
FROM memory_nodes
WHERE conversation_id = $1 AND level = 'MICRO' AND is_merged = 0
ORDER BY id ASC
LIMIT $2
`
	}

	return s.queryMemoryNodes(ctx, query, sessionID, limit)
}

// MarkNodesMerged flips is_merged for the given MICRO node IDs.
func (s *Store) MarkNodesMerged(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		if s.dialect == "postgres" {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		} else {
			placeholders[i] = "?"
		}
		args[i] = id
	}

	query := fmt.Sprintf(`UPDATE memory_nodes SET is_merged = 1 WHERE id IN (%s)`,
		strings.Join(placeholders, ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark nodes merged: %w", err)
	}

	return nil
}

// MemorySpine concatenates all MACRO nodes followed by un-merged MICRO
// nodes, oldest first, each as "[Level|tag] text". This is the condensed
// history handed to the director every turn.
func (s *Store) MemorySpine(ctx context.Context, sessionID int64) (string, error) {
	var spine strings.Builder

	macros := `
SELECT timeline_tag, summary_text FROM memory_nodes
WHERE conversation_id = ? AND level = 'MACRO'
ORDER BY id ASC
`
	if s.dialect == "postgres" {
		macros = `
SELECT timeline_tag, summary_text FROM memory_nodes
WHERE conversation_id = $1 AND level = 'MACRO'
ORDER BY id ASC
`
	}
	if err := s.appendSpineRows(ctx, &spine, "Macro", macros, sessionID); err != nil {
		return "", err
	}

	micros := `
SELECT timeline_tag, summary_text FROM memory_nodes
WHERE conversation_id = ? AND level = 'MICRO' AND is_merged = 0
ORDER BY id ASC
`
	if s.dialect == "postgres" {
		micros = `
SELECT timeline_tag, summary_text FROM memory_nodes
WHERE conversation_id = $1 AND level = 'MICRO' AND is_merged = 0
ORDER BY id ASC
`
	}
	if err := s.appendSpineRows(ctx, &spine, "Micro", micros, sessionID); err != nil {
		return "", err
	}

	if spine.Len() == 0 {
		return "No history yet.", nil
	}
	return spine.String(), nil
}

func (s *Store) appendSpineRows(ctx context.Context, spine *strings.Builder, label, query string, sessionID int64) error {
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("failed to query memory nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tag sql.NullString
		var text string
		if err := rows.Scan(&tag, &text); err != nil {
			return fmt.Errorf("failed to scan memory node: %w", err)
		}
		fmt.Fprintf(spine, "[%s|%s] %s\n", label, tag.String, text)
	}

	return rows.Err()
}

// Memories returns the newest memory nodes for inspection, newest first.
func (s *Store) Memories(ctx context.Context, sessionID int64, limit int) ([]MemoryNode, error) {
	query := `
SELECT id, conversation_id, summary_text, level, timeline_tag, vector_id, is_merged, created_at
FROM memory_nodes
WHERE conversation_id = ?
ORDER BY id DESC
LIMIT ?
`
	if s.dialect == "postgres" {
		query = `
SELECT id, conversation_id, summary_text, level, timeline_tag, vector_id, is_merged, created_at
FROM memory_nodes
WHERE conversation_id = $1
ORDER BY id DESC
LIMIT $2
`
	}

	return s.queryMemoryNodes(ctx, query, sessionID, limit)
}

func (s *Store) queryMemoryNodes(ctx context.Context, query string, args ...any) ([]MemoryNode, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory nodes: %w", err)
	}
	defer rows.Close()

	var nodes []MemoryNode
	for rows.Next() {
		var n MemoryNode
		var tag, vectorID sql.NullString
		var merged int
		if err := rows.Scan(&n.ID, &n.SessionID, &n.SummaryText, &n.Level, &tag, &vectorID, &merged, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory node: %w", err)
		}
		n.TimelineTag = tag.String
		n.VectorID = vectorID.String
		n.IsMerged = merged != 0
		nodes = append(nodes, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memory nodes: %w", err)
	}

	return nodes, nil
}

// AddSagaEntry appends one long-form chronicle entry.
func (s *Store) AddSagaEntry(ctx context.Context, sessionID int64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO saga_entries (conversation_id, content, created_at) VALUES (?, ?, ?)`
	if s.dialect == "postgres" {
		query = `INSERT INTO saga_entries (conversation_id, content, created_at) VALUES ($1, $2, $3)`
	}

	if _, err := s.db.ExecContext(ctx, query, sessionID, content, time.Now()); err != nil {
		return fmt.Errorf("failed to insert saga entry: %w", err)
	}

	return nil
}

// SagaEntries returns the session's chronicle, oldest first.
func (s *Store) SagaEntries(ctx context.Context, sessionID int64) ([]string, error) {
	query := `SELECT content FROM saga_entries WHERE conversation_id = ? ORDER BY id ASC`
	if s.dialect == "postgres" {
		query = `SELECT content FROM saga_entries WHERE conversation_id = $1 ORDER BY id ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query saga entries: %w", err)
	}
	defer rows.Close()

	var entries []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("failed to scan saga entry: %w", err)
		}
		entries = append(entries, content)
	}

	return entries, rows.Err()
}
