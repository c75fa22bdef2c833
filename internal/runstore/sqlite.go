package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/relay/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agent_runs (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	ancestor_run_ids TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	total_steps INTEGER NOT NULL DEFAULT 0,
	direct_credits REAL NOT NULL DEFAULT 0,
	total_credits REAL NOT NULL DEFAULT 0,
	error_message TEXT,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS agent_steps (
	run_id TEXT NOT NULL REFERENCES agent_runs(id),
	step_number INTEGER NOT NULL,
	credits REAL NOT NULL DEFAULT 0,
	child_run_ids TEXT NOT NULL DEFAULT '[]',
	message_id TEXT,
	status TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	error_message TEXT,
	PRIMARY KEY (run_id, step_number)
);
`

// SQLiteStore is a sqlite-backed Store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a sqlite run store at path. Use ":memory:"
// for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// StartAgentRun inserts an active run row and returns its id.
func (s *SQLiteStore) StartAgentRun(ctx context.Context, run *models.AgentRun) (string, error) {
	id := run.ID
	if id == "" {
		id = uuid.NewString()
	}
	started := run.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	ancestors, err := json.Marshal(run.AncestorRunIDs)
	if err != nil {
		return "", fmt.Errorf("encode ancestors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, agent_id, agent_type, ancestor_run_ids, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, run.AgentID, run.AgentType, string(ancestors), string(models.RunActive), started,
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// AddAgentStep inserts one step row.
func (s *SQLiteStore) AddAgentStep(ctx context.Context, step *models.AgentStep) error {
	children, err := json.Marshal(step.ChildRunIDs)
	if err != nil {
		return fmt.Errorf("encode child runs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_steps (run_id, step_number, credits, child_run_ids, message_id, status, started_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		step.RunID, step.StepNumber, step.Credits, string(children),
		step.MessageID, string(step.Status), step.StartedAt, step.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// FinishAgentRun finalizes the run row.
func (s *SQLiteStore) FinishAgentRun(ctx context.Context, run *models.AgentRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = ?, total_steps = ?, direct_credits = ?, total_credits = ?, error_message = ?, finished_at = ?
		WHERE id = ?`,
		string(run.Status), run.TotalSteps, run.DirectCredits, run.TotalCredits,
		run.ErrorMessage, time.Now(), run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("unknown run: %s", run.ID)
	}
	return nil
}

// GetRun loads one run row.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, agent_type, ancestor_run_ids, status, total_steps,
		       direct_credits, total_credits, COALESCE(error_message, ''), started_at
		FROM agent_runs WHERE id = ?`, id)

	var run models.AgentRun
	var ancestors string
	var status string
	if err := row.Scan(&run.ID, &run.AgentID, &run.AgentType, &ancestors, &status,
		&run.TotalSteps, &run.DirectCredits, &run.TotalCredits, &run.ErrorMessage, &run.StartedAt); err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	if err := json.Unmarshal([]byte(ancestors), &run.AncestorRunIDs); err != nil {
		return nil, fmt.Errorf("decode ancestors: %w", err)
	}
	return &run, nil
}
