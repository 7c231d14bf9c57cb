package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CurrentState returns the session's latest state blob. A session that
// has never saved state yields its creation-time blob.
func (s *Store) CurrentState(ctx context.Context, sessionID int64) (string, error) {
	query := `SELECT last_state_json FROM conversations WHERE id = ?`
	if s.dialect == "postgres" {
		query = `SELECT last_state_json FROM conversations WHERE id = $1`
	}

	var stateJSON sql.NullString
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query state: %w", err)
	}

	return stateJSON.String, nil
}

// SaveState updates the session's current state and appends a world_states
// snapshot keyed by the assistant message that produced it. Both writes
// commit together.
func (s *Store) SaveState(ctx context.Context, sessionID int64, stateJSON, diffSummary string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	update := `UPDATE conversations SET last_state_json = ? WHERE id = ?`
	if s.dialect == "postgres" {
		update = `UPDATE conversations SET last_state_json = $1 WHERE id = $2`
	}
	if _, err = tx.ExecContext(ctx, update, stateJSON, sessionID); err != nil {
		return fmt.Errorf("failed to update current state: %w", err)
	}

	insert := `INSERT INTO world_states (conversation_id, message_id, state_json, diff_summary, created_at) VALUES (?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		insert = `INSERT INTO world_states (conversation_id, message_id, state_json, diff_summary, created_at) VALUES ($1, $2, $3, $4, $5)`
	}
	if _, err = tx.ExecContext(ctx, insert, sessionID, messageID, stateJSON, diffSummary, time.Now()); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Snapshots returns the session's snapshot log, oldest first.
func (s *Store) Snapshots(ctx context.Context, sessionID int64) ([]Snapshot, error) {
	query := `
SELECT id, conversation_id, message_id, state_json, diff_summary, created_at
FROM world_states
WHERE conversation_id = ?
ORDER BY id ASC
`
	if s.dialect == "postgres" {
		query = `
SELECT id, conversation_id, message_id, state_json, diff_summary, created_at
FROM world_states
WHERE conversation_id = $1
ORDER BY id ASC
`
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		var snap Snapshot
		var messageID sql.NullInt64
		var diff sql.NullString
		if err := rows.Scan(&snap.ID, &snap.SessionID, &messageID, &snap.StateJSON, &diff, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.MessageID = messageID.Int64
		snap.DiffSummary = diff.String
		snapshots = append(snapshots, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	return snapshots, nil
}

// Rollback restores the latest snapshot at or before targetMessageID and
// deletes every message and snapshot past it, all in one transaction.
// Returns the restored state blob, or ErrNotFound when no snapshot
// qualifies (nothing is deleted in that case).
func (s *Store) Rollback(ctx context.Context, sessionID, targetMessageID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	find := `
SELECT state_json FROM world_states
WHERE conversation_id = ? AND message_id <= ?
ORDER BY message_id DESC
LIMIT 1
`
	if s.dialect == "postgres" {
		find = `
SELECT state_json FROM world_states
WHERE conversation_id = $1 AND message_id <= $2
ORDER BY message_id DESC
LIMIT 1
`
	}

	var stateJSON string
	err = tx.QueryRowContext(ctx, find, sessionID, targetMessageID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		err = ErrNotFound
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("failed to find snapshot: %w", err)
	}

	restore := `UPDATE conversations SET last_state_json = ? WHERE id = ?`
	if s.dialect == "postgres" {
		restore = `UPDATE conversations SET last_state_json = $1 WHERE id = $2`
	}
	if _, err = tx.ExecContext(ctx, restore, stateJSON, sessionID); err != nil {
		return "", fmt.Errorf("failed to restore state: %w", err)
	}

	deleteMessages := `DELETE FROM messages WHERE conversation_id = ? AND id > ?`
	if s.dialect == "postgres" {
		deleteMessages = `DELETE FROM messages WHERE conversation_id = $1 AND id > $2`
	}
	if _, err = tx.ExecContext(ctx, deleteMessages, sessionID, targetMessageID); err != nil {
		return "", fmt.Errorf("failed to delete messages: %w", err)
	}

	deleteSnapshots := `DELETE FROM world_states WHERE conversation_id = ? AND message_id > ?`
	if s.dialect == "postgres" {
		deleteSnapshots = `DELETE FROM world_states WHERE conversation_id = $1 AND message_id > $2`
	}
	if _, err = tx.ExecContext(ctx, deleteSnapshots, sessionID, targetMessageID); err != nil {
		return "", fmt.Errorf("failed to delete snapshots: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	return stateJSON, nil
}
