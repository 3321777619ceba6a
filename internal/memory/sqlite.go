package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const defaultRecallLimit = 5

// SQLiteStore persists corrections in a local SQLite database and ranks
// recall by capability match and keyword overlap with the gate
// snapshot. Good enough as a default collaborator; a real similarity
// engine can replace it behind the Recaller interface.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the store at dbPath and runs
// migrations.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL keeps concurrent readers cheap; sqlite allows one writer.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS corrections (
			id            TEXT PRIMARY KEY,
			capability    TEXT NOT NULL,
			gate_snapshot TEXT NOT NULL,
			content       TEXT NOT NULL,
			created_at    TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_corrections_capability
			ON corrections(capability);
	`)
	return err
}

// Store persists one correction, assigning an id and timestamp when
// absent.
func (s *SQLiteStore) Store(ctx context.Context, c Correction) error {
	if c.Content == "" {
		return fmt.Errorf("correction content must not be empty")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO corrections (id, capability, gate_snapshot, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Capability, c.GateSnapshot, c.Content, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("store correction: %w", err)
	}
	return nil
}

// Recall returns corrections ordered most relevant first: exact
// capability matches rank above others, ties broken by keyword overlap
// with the query snapshot, then recency.
func (s *SQLiteStore) Recall(ctx context.Context, q Query) ([]Correction, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultRecallLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, capability, gate_snapshot, content, created_at
		FROM corrections`)
	if err != nil {
		return nil, fmt.Errorf("recall corrections: %w", err)
	}
	defer rows.Close()

	type scored struct {
		c     Correction
		score int
	}
	var all []scored
	queryTokens := tokenize(q.GateSnapshot)
	for rows.Next() {
		var c Correction
		if err := rows.Scan(&c.ID, &c.Capability, &c.GateSnapshot, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan correction: %w", err)
		}
		score := overlap(queryTokens, tokenize(c.GateSnapshot+" "+c.Content))
		if c.Capability == q.Capability {
			score += 100
		}
		all = append(all, scored{c: c, score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recall corrections: %w", err)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].c.CreatedAt.After(all[j].c.CreatedAt)
	})

	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]Correction, len(all))
	for i, s := range all {
		out[i] = s.c
	}
	return out, nil
}

func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	}) {
		if len(tok) > 2 {
			tokens[tok] = true
		}
	}
	return tokens
}

func overlap(a, b map[string]bool) int {
	n := 0
	for tok := range a {
		if b[tok] {
			n++
		}
	}
	return n
}
