package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AppendMessage inserts one message and returns its ID.
func (s *Store) AppendMessage(ctx context.Context, sessionID int64, role, content string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO messages (conversation_id, role, content, timestamp) VALUES (?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = `INSERT INTO messages (conversation_id, role, content, timestamp) VALUES ($1, $2, $3, $4)`
	}

	id, err := s.insertReturningID(ctx, s.db, query, sessionID, role, content, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}

	return id, nil
}

// RecentMessages returns the last limit messages in chronological order.
func (s *Store) RecentMessages(ctx context.Context, sessionID int64, limit int) ([]Message, error) {
	query := `
SELECT id, conversation_id, role, content, timestamp, is_summarized FROM (
    SELECT id, conversation_id, role, content, timestamp, is_summarized
    FROM messages
    WHERE conversation_id = ?
    ORDER BY id DESC
    LIMIT ?
) sub ORDER BY id ASC
`
	if s.dialect == "postgres" {
		query = `
SELECT id, conversation_id, role, content, timestamp, is_summarized FROM (
    SELECT id, conversation_id, role, content, timestamp, is_summarized
    FROM messages
    WHERE conversation_id = $1
    ORDER BY id DESC
    LIMIT $2
) sub ORDER BY id ASC
`
	}

	return s.queryMessages(ctx, query, sessionID, limit)
}

// UnsummarizedMessages returns the earliest un-summarized messages, oldest
// first, up to limit.
func (s *Store) UnsummarizedMessages(ctx context.Context, sessionID int64, limit int) ([]Message, error) {
	query := `
SELECT id, conversation_id, role, content, timestamp, is_summarized
FROM messages
WHERE conversation_id = ? AND is_summarized = 0
ORDER BY id ASC
LIMIT ?
`
	if s.dialect == "postgres" {
		query = `
SELECT id, conversation_id, role, content, timestamp, is_summarized
FROM messages
WHERE conversation_id = $1 AND is_summarized = 0
ORDER BY id ASC
LIMIT $2
`
	}

	return s.queryMessages(ctx, query, sessionID, limit)
}

// MarkMessagesSummarized flips the is_summarized flag for the given IDs.
func (s *Store) MarkMessagesSummarized(ctx context.Context, ids []int64) error {
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

	query := fmt.Sprintf(`UPDATE messages SET is_summarized = 1 WHERE id IN (%s)`,
		strings.Join(placeholders, ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark messages summarized: %w", err)
	}

	return nil
}

// History returns one page of the full message log, oldest first.
// Pages are 1-based.
func (s *Store) History(ctx context.Context, sessionID int64, page, pageSize int) ([]Message, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	query := `
SELECT id, conversation_id, role, content, timestamp, is_summarized
FROM messages
WHERE conversation_id = ?
ORDER BY id ASC
LIMIT ? OFFSET ?
`
	if s.dialect == "postgres" {
		query = `
SELECT id, conversation_id, role, content, timestamp, is_summarized
FROM messages
WHERE conversation_id = $1
ORDER BY id ASC
LIMIT $2 OFFSET $3
`
	}

	return s.queryMessages(ctx, query, sessionID, pageSize, offset)
}

// MessageCount counts the session's messages.
func (s *Store) MessageCount(ctx context.Context, sessionID int64) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`
	if s.dialect == "postgres" {
		query = `SELECT COUNT(*) FROM messages WHERE conversation_id = $1`
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}

	return count, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var summarized int
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Timestamp, &summarized); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.IsSummarized = summarized != 0
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}
