package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSession inserts a conversations row with the initial state blob
// and returns it.
func (s *Store) CreateSession(ctx context.Context, characterName, initialStateJSON string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionUUID := uuid.NewString()
	now := time.Now()

	query := `INSERT INTO conversations (uuid, character_name, last_state_json, created_at) VALUES (?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = `INSERT INTO conversations (uuid, character_name, last_state_json, created_at) VALUES ($1, $2, $3, $4)`
	}

	id, err := s.insertReturningID(ctx, s.db, query, sessionUUID, characterName, initialStateJSON, now)
	if err != nil {
		return Session{}, fmt.Errorf("failed to create session: %w", err)
	}

	return Session{
		ID:            id,
		UUID:          sessionUUID,
		CharacterName: characterName,
		CreatedAt:     now,
	}, nil
}

// GetSession looks a session up by UUID.
func (s *Store) GetSession(ctx context.Context, sessionUUID string) (Session, error) {
	query := `SELECT id, uuid, character_name, created_at FROM conversations WHERE uuid = ?`
	if s.dialect == "postgres" {
		query = `SELECT id, uuid, character_name, created_at FROM conversations WHERE uuid = $1`
	}

	var row Session
	err := s.db.QueryRowContext(ctx, query, sessionUUID).Scan(
		&row.ID, &row.UUID, &row.CharacterName, &row.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to query session: %w", err)
	}

	return row, nil
}

// ListSessions returns every session, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	query := `SELECT id, uuid, character_name, created_at FROM conversations ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var row Session
		if err := rows.Scan(&row.ID, &row.UUID, &row.CharacterName, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// DeleteSession removes the session and cascades over every owned table.
// Returns false when the UUID is unknown. Vector records and graph files
// are the caller's cascade; this covers the relational rows.
func (s *Store) DeleteSession(ctx context.Context, sessionUUID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.GetSession(ctx, sessionUUID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	owned := []string{
		"messages", "memory_nodes", "relationships",
		"saga_entries", "lore_entries", "interaction_logs", "world_states",
	}
	for _, table := range owned {
		query := fmt.Sprintf(`DELETE FROM %s WHERE conversation_id = ?`, table)
		if s.dialect == "postgres" {
			query = fmt.Sprintf(`DELETE FROM %s WHERE conversation_id = $1`, table)
		}
		if _, err = tx.ExecContext(ctx, query, sess.ID); err != nil {
			return false, fmt.Errorf("failed to cascade %s: %w", table, err)
		}
	}

	query := `DELETE FROM conversations WHERE id = ?`
	if s.dialect == "postgres" {
		query = `DELETE FROM conversations WHERE id = $1`
	}
	if _, err = tx.ExecContext(ctx, query, sess.ID); err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return true, nil
}
