package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/reqline/agentcore/internal/observability"
	"github.com/reqline/agentcore/internal/tracing"
	"github.com/reqline/agentcore/pkg/runcontract"
	"github.com/reqline/agentcore/pkg/timeline"
)

// ErrNotFound is returned when no archived run matches the id.
var ErrNotFound = errors.New("run not found")

// RunSummary is the listing row for one archived run.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	SessionKey string    `json:"session_key,omitempty"`
	Status     string    `json:"status"`
	OK         bool      `json:"ok"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Store archives finalized run payloads in sqlite. The payload is stored as
// canonical JSON; the orchestration loop never reads it back mid-run.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Config holds store configuration.
type Config struct {
	// DBPath is the sqlite database file path.
	DBPath string
	Logger zerolog.Logger
}

// NewStore opens (or creates) the archive database.
func NewStore(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps archival writes from blocking readers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id      TEXT PRIMARY KEY,
			session_key TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			ok          INTEGER NOT NULL,
			checksum    TEXT NOT NULL DEFAULT '',
			payload     TEXT NOT NULL,
			archived_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_key, archived_at);
		CREATE INDEX IF NOT EXISTS idx_runs_archived ON runs(archived_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Archive persists one finalized payload. Re-archiving the same run id
// replaces the previous row, so a retried archival stays idempotent; tool
// result snapshots are merged with the previously archived observations so
// a replayed partial snapshot never demotes a terminal one.
func (s *Store) Archive(ctx context.Context, sessionKey string, payload runcontract.AgentRunPayload) error {
	if payload.RunID == "" {
		return errors.New("payload without run id")
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)

	if previous, err := s.Get(ctx, payload.RunID); err == nil {
		payload.ToolResults = mergeToolResults(previous.ToolResults, payload.ToolResults)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (run_id, session_key, status, ok, checksum, payload, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, payload.RunID, sessionKey, string(payload.Status), boolToInt(payload.OK), payload.Checksum, string(encoded), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to archive run %s: %w", payload.RunID, err)
	}

	observability.RecordRunArchived()
	logger.Debug().Str("run_id", payload.RunID).Str("status", string(payload.Status)).Msg("Run archived")
	return nil
}

// mergeToolResults reduces two archived observations of the same run call by
// call, keeping snapshots only one side observed.
func mergeToolResults(previous, incoming map[string]*runcontract.ToolResultSnapshot) map[string]*runcontract.ToolResultSnapshot {
	if len(previous) == 0 {
		return incoming
	}
	merged := make(map[string]*runcontract.ToolResultSnapshot, len(incoming)+len(previous))
	for callID, snapshot := range incoming {
		merged[callID] = timeline.MergeSnapshots(previous[callID], snapshot)
	}
	for callID, snapshot := range previous {
		if _, ok := merged[callID]; !ok {
			merged[callID] = timeline.MergeSnapshots(snapshot, nil)
		}
	}
	return merged
}

// Get loads one archived payload by run id.
func (s *Store) Get(ctx context.Context, runID string) (runcontract.AgentRunPayload, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE run_id = ?`, runID).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return runcontract.AgentRunPayload{}, ErrNotFound
	}
	if err != nil {
		return runcontract.AgentRunPayload{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	var payload runcontract.AgentRunPayload
	if err := json.Unmarshal([]byte(encoded), &payload); err != nil {
		return runcontract.AgentRunPayload{}, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return payload, nil
}

// List returns summaries for a session, most recent first. An empty session
// key lists every run.
func (s *Store) List(ctx context.Context, sessionKey string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT run_id, session_key, status, ok, archived_at FROM runs`
	args := []any{}
	if sessionKey != "" {
		query += ` WHERE session_key = ?`
		args = append(args, sessionKey)
	}
	query += ` ORDER BY archived_at DESC, run_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var summary RunSummary
		var ok int
		if err := rows.Scan(&summary.RunID, &summary.SessionKey, &summary.Status, &ok, &summary.ArchivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		summary.OK = ok != 0
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// Verify re-assesses the archived timeline against its declared checksum.
func (s *Store) Verify(ctx context.Context, runID string) (timeline.Integrity, error) {
	payload, err := s.Get(ctx, runID)
	if err != nil {
		return timeline.Integrity{}, err
	}
	return timeline.AssessIntegrity(payload.Timeline, payload.Checksum), nil
}

// Prune removes runs archived before the cutoff and reports how many rows
// were deleted.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE archived_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		observability.RecordRunsPruned(int(deleted))
		s.logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("Pruned archived runs")
	}
	return int(deleted), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
