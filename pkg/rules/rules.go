// Package rules is the world-book layer: preset rule fragments ingested
// into a dedicated rules_preset database and mirrored into the rules_memory
// vector collection, plus the retrieval service that picks which fragments
// apply to a turn.
package rules

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/deeptavern/deeptavern/pkg/store"
)

// Fragment is one rule_fragments row.
type Fragment struct {
	ID           int64
	Content      string
	RawContent   string
	Category     string
	ScopeType    string
	ScopeValue   string
	RequiredTags string
	Summary      string
	SourcePreset string
	IsActive     bool
	CreatedAt    time.Time
}

// rule_fragments DDL. %s is the dialect's auto-increment primary key.
var rulesDDL = `CREATE TABLE IF NOT EXISTS rule_fragments (
    id %s,
    content TEXT NOT NULL,
    raw_content TEXT,
    category VARCHAR(32),
    scope_type VARCHAR(32) DEFAULT 'GLOBAL',
    scope_value VARCHAR(255),
    required_tags TEXT,
    summary TEXT,
    source_preset VARCHAR(255),
    is_active INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
)`

var rulesIndex = `CREATE INDEX IF NOT EXISTS idx_rules_scope ON rule_fragments(scope_type, scope_value)`

// Store wraps the rules_preset database.
type Store struct {
	db      *sql.DB
	dialect string
	mu      sync.Mutex
}

// Open connects to the rules database and bootstraps its schema. An empty
// DSN falls back to a sqlite file under dataDir.
func Open(dsn, dataDir string) (*Store, error) {
	db, dialect, err := store.OpenDB(dsn, filepath.Join(dataDir, "rules_preset.db"))
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize rules schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	switch s.dialect {
	case "postgres":
		pk = "BIGSERIAL PRIMARY KEY"
	case "mysql":
		pk = "BIGINT PRIMARY KEY AUTO_INCREMENT"
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(rulesDDL, pk)); err != nil {
		return err
	}

	ddl := rulesIndex
	if s.dialect == "mysql" {
		ddl = strings.Replace(ddl, "IF NOT EXISTS ", "", 1)
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		if s.dialect == "mysql" && strings.Contains(err.Error(), "Duplicate key name") {
			return nil
		}
		return err
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ActiveRules returns the content of every default-enabled fragment.
func (s *Store) ActiveRules(ctx context.Context) ([]string, error) {
	return s.queryContents(ctx, `SELECT content FROM rule_fragments WHERE is_active = 1 ORDER BY id`)
}

// AlwaysOn returns the fragments that apply to every turn regardless of
// retrieval: default-enabled rows plus always-scoped ones.
func (s *Store) AlwaysOn(ctx context.Context) ([]string, error) {
	return s.queryContents(ctx, `SELECT content FROM rule_fragments
		WHERE is_active = 1 OR scope_type = 'ALWAYS' OR category = 'always_on'
		ORDER BY id`)
}

func (s *Store) queryContents(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		out = append(out, content)
	}
	return out, rows.Err()
}

// Fragments returns every fragment, oldest first.
func (s *Store) Fragments(ctx context.Context) ([]Fragment, error) {
	return s.queryFragments(ctx, s.selectClause()+` ORDER BY id`)
}

// FragmentByID looks a single fragment up.
func (s *Store) FragmentByID(ctx context.Context, id int64) (Fragment, error) {
	query := s.selectClause() + ` WHERE id = ?`
	if s.dialect == "postgres" {
		query = s.selectClause() + ` WHERE id = $1`
	}

	frags, err := s.queryFragments(ctx, query, id)
	if err != nil {
		return Fragment{}, err
	}
	if len(frags) == 0 {
		return Fragment{}, store.ErrNotFound
	}
	return frags[0], nil
}

func (s *Store) selectClause() string {
	return `SELECT id, content, COALESCE(raw_content, ''), COALESCE(category, ''),
		COALESCE(scope_type, 'GLOBAL'), COALESCE(scope_value, ''), COALESCE(required_tags, ''),
		COALESCE(summary, ''), COALESCE(source_preset, ''), is_active, created_at
		FROM rule_fragments`
}

func (s *Store) queryFragments(ctx context.Context, query string, args ...any) ([]Fragment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fragments: %w", err)
	}
	defer rows.Close()

	var out []Fragment
	for rows.Next() {
		var f Fragment
		var active int
		if err := rows.Scan(&f.ID, &f.Content, &f.RawContent, &f.Category,
			&f.ScopeType, &f.ScopeValue, &f.RequiredTags, &f.Summary,
			&f.SourcePreset, &active, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.IsActive = active != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

// Upsert inserts a fragment, or updates it in place when ID is set.
// Returns the row ID.
func (s *Store) Upsert(ctx context.Context, f Fragment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	if f.IsActive {
		active = 1
	}

	if f.ID > 0 {
		query := `UPDATE rule_fragments SET content = ?, raw_content = ?, category = ?,
			scope_type = ?, scope_value = ?, required_tags = ?, summary = ?,
			source_preset = ?, is_active = ? WHERE id = ?`
		if s.dialect == "postgres" {
			query = `UPDATE rule_fragments SET content = $1, raw_content = $2, category = $3,
				scope_type = $4, scope_value = $5, required_tags = $6, summary = $7,
				source_preset = $8, is_active = $9 WHERE id = $10`
		}
		_, err := s.db.ExecContext(ctx, query, f.Content, f.RawContent, f.Category,
			f.ScopeType, f.ScopeValue, f.RequiredTags, f.Summary, f.SourcePreset, active, f.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to update fragment: %w", err)
		}
		return f.ID, nil
	}

	query := `INSERT INTO rule_fragments
		(content, raw_content, category, scope_type, scope_value, required_tags, summary, source_preset, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{f.Content, f.RawContent, f.Category, f.ScopeType, f.ScopeValue,
		f.RequiredTags, f.Summary, f.SourcePreset, active, time.Now()}

	if s.dialect == "postgres" {
		query = `INSERT INTO rule_fragments
			(content, raw_content, category, scope_type, scope_value, required_tags, summary, source_preset, is_active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`
		var id int64
		err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to insert fragment: %w", err)
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert fragment: %w", err)
	}
	return res.LastInsertId()
}

// SetActive toggles the default-enabled flag.
func (s *Store) SetActive(ctx context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag := 0
	if active {
		flag = 1
	}

	query := `UPDATE rule_fragments SET is_active = ? WHERE id = ?`
	if s.dialect == "postgres" {
		query = `UPDATE rule_fragments SET is_active = $1 WHERE id = $2`
	}
	_, err := s.db.ExecContext(ctx, query, flag, id)
	return err
}

// Count reports the number of stored fragments.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rule_fragments`).Scan(&n)
	return n, err
}
