package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // driver: sqlite

	"github.com/agenthands/rubric/internal/analysis"
	"github.com/agenthands/rubric/internal/arbiter"
	"github.com/agenthands/rubric/internal/grading"
)

const schema = `
CREATE TABLE IF NOT EXISTS grading_runs (
	id           TEXT PRIMARY KEY,
	state        TEXT NOT NULL,
	final_score  REAL NOT NULL,
	total_points REAL NOT NULL,
	evidence     TEXT NOT NULL,
	opinions     TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_entries (
	run_id  TEXT NOT NULL REFERENCES grading_runs(id),
	seq     INTEGER NOT NULL,
	rule    TEXT NOT NULL,
	applied INTEGER NOT NULL,
	detail  TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// Store persists grading results and their audit trails in sqlite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the results database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = "file:rubric.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open results db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping results db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save writes a run and its audit trail in one transaction. The trail
// is append-only: saving the same run id twice is an error.
func (s *Store) Save(ctx context.Context, res *arbiter.Result) error {
	evidence, err := json.Marshal(res.Evidence)
	if err != nil {
		return fmt.Errorf("failed to encode evidence: %w", err)
	}
	opinions, err := json.Marshal(res.Opinions)
	if err != nil {
		return fmt.Errorf("failed to encode opinions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO grading_runs (id, state, final_score, total_points, evidence, opinions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, string(res.State), res.FinalScore, res.TotalPoints,
		string(evidence), string(opinions), res.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", res.RunID, err)
	}

	for _, entry := range res.AuditTrail {
		applied := 0
		if entry.Applied {
			applied = 1
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO audit_entries (run_id, seq, rule, applied, detail) VALUES (?, ?, ?, ?, ?)`,
			res.RunID, entry.Seq, entry.Rule, applied, entry.Detail)
		if err != nil {
			return fmt.Errorf("failed to insert audit entry %d: %w", entry.Seq, err)
		}
	}

	return tx.Commit()
}

// Get loads a persisted run with its full audit trail.
func (s *Store) Get(ctx context.Context, runID string) (*arbiter.Result, error) {
	var res arbiter.Result
	var state, evidence, opinions string
	var createdAt time.Time

	row := s.db.QueryRowContext(ctx,
		`SELECT id, state, final_score, total_points, evidence, opinions, created_at
		 FROM grading_runs WHERE id = ?`, runID)
	if err := row.Scan(&res.RunID, &state, &res.FinalScore, &res.TotalPoints, &evidence, &opinions, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	res.State = arbiter.State(state)
	res.CreatedAt = createdAt

	var ev grading.Evidence
	if err := json.Unmarshal([]byte(evidence), &ev); err != nil {
		return nil, fmt.Errorf("failed to decode evidence for %s: %w", runID, err)
	}
	res.Evidence = ev
	var ops analysis.Opinions
	if err := json.Unmarshal([]byte(opinions), &ops); err != nil {
		return nil, fmt.Errorf("failed to decode opinions for %s: %w", runID, err)
	}
	res.Opinions = ops

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, rule, applied, detail FROM audit_entries WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry arbiter.AuditEntry
		var applied int
		if err := rows.Scan(&entry.Seq, &entry.Rule, &applied, &entry.Detail); err != nil {
			return nil, err
		}
		entry.Applied = applied != 0
		res.AuditTrail = append(res.AuditTrail, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &res, nil
}

// RunSummary is a listing row for dashboards.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	State      string    `json:"state"`
	FinalScore float64   `json:"final_score"`
	CreatedAt  time.Time `json:"created_at"`
}

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, final_score, created_at FROM grading_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.State, &r.FinalScore, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
