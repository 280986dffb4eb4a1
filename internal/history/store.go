// Package history persists a rolling audit log of reconciliations to a
// local SQLite database, mirroring the
// connection-string PRAGMA tuning the rest of the corpus uses for its own
// SQLite-backed stores.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"

	"github.com/flowfuse/device-agent/internal/assignment"
)

const schema = `
CREATE TABLE IF NOT EXISTS reconciliations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_id TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMP NOT NULL,
	trigger TEXT NOT NULL,
	owner_type TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	snapshot_id TEXT NOT NULL,
	settings_hash TEXT NOT NULL,
	mode TEXT NOT NULL,
	target_state TEXT NOT NULL,
	result_state TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_reconciliations_occurred_at ON reconciliations(occurred_at);
`

// Store is a rolling, size-bounded reconciliation history.
type Store struct {
	db      *sql.DB
	log     zerolog.Logger
	maxRows int
}

// Config configures a Store.
type Config struct {
	Path string
	// MaxRows bounds how many rows are retained; after each
	// RecordReconciliation, prune deletes the oldest rows once the table
	// exceeds this count. Zero disables pruning.
	MaxRows int
}

// Open creates (if needed) and opens the history database at cfg.Path,
// using WAL journaling and NORMAL synchronous mode -- this data is
// diagnostic, not authoritative, so the standard profile is a safe default.
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	connStr := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging history database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("applying history schema: %w", err)
	}

	return &Store{db: db, log: log.With().Str("component", "history").Logger(), maxRows: cfg.MaxRows}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordReconciliation implements reconciler.HistoryRecorder.
func (s *Store) RecordReconciliation(trigger string, a *assignment.Assignment, result assignment.RunState, err error) {
	rec := a.ToRecord()
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}

	correlationID := uuid.New().String()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, execErr := s.db.ExecContext(ctx, `
		INSERT INTO reconciliations (correlation_id, occurred_at, trigger, owner_type, owner_id, snapshot_id, settings_hash, mode, target_state, result_state, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		correlationID, time.Now().UTC(), trigger, string(rec.OwnerType), a.OwnerID(), rec.SnapshotID, rec.SettingsHash,
		string(rec.Mode), string(rec.TargetState), string(result), errMsg,
	)
	if execErr != nil {
		s.log.Error().Err(execErr).Str("correlation_id", correlationID).Msg("recording reconciliation history")
		return
	}
	s.log.Debug().Str("correlation_id", correlationID).Str("result", string(result)).Msg("recorded reconciliation")
	go s.prune()
}

// prune deletes the oldest rows once the table exceeds maxRows.
func (s *Store) prune() {
	if s.maxRows <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM reconciliations WHERE id IN (
			SELECT id FROM reconciliations ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, s.maxRows)
	if err != nil {
		s.log.Error().Err(err).Msg("pruning reconciliation history")
	}
}

// Entry is a single row returned by Recent, for the local status server and
// agentctl to render.
type Entry struct {
	CorrelationID string             `json:"correlationId"`
	OccurredAt   time.Time           `json:"occurredAt"`
	Trigger      string              `json:"trigger"`
	OwnerType    assignment.OwnerType `json:"ownerType"`
	OwnerID      string              `json:"ownerId"`
	SnapshotID   string              `json:"snapshotId"`
	SettingsHash string              `json:"settingsHash"`
	Mode         assignment.Mode     `json:"mode"`
	TargetState  assignment.TargetState `json:"targetState"`
	ResultState  assignment.RunState `json:"resultState"`
	Error        string              `json:"error,omitempty"`
}

// Recent returns the most recent n entries, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, occurred_at, trigger, owner_type, owner_id, snapshot_id, settings_hash, mode, target_state, result_state, error
		FROM reconciliations ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying reconciliation history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.CorrelationID, &e.OccurredAt, &e.Trigger, &e.OwnerType, &e.OwnerID, &e.SnapshotID, &e.SettingsHash, &e.Mode, &e.TargetState, &e.ResultState, &e.Error); err != nil {
			return nil, fmt.Errorf("scanning reconciliation history row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
