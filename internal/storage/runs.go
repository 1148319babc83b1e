package storage

import (
	"fmt"
	"time"
)

// EngineRun is one engine start/stop cycle.
type EngineRun struct {
	ID           int64     `json:"id"`
	InstanceKey  string    `json:"instanceKey,omitempty"`
	Licensing    string    `json:"licensing"`
	StartedAt    time.Time `json:"startedAt"`
	EndedAt      time.Time `json:"endedAt"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Forced       bool      `json:"forced"`
}

// Duration is how long the run lasted.
func (r *EngineRun) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// SaveEngineRun inserts a run and prunes the oldest rows beyond the row bound
// in the same transaction. run.ID is set on success.
func (s *SQLiteStore) SaveEngineRun(run *EngineRun) error {
	if run == nil {
		return fmt.Errorf("engine run cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	const insertQuery = `
		INSERT INTO engine_runs
			(instance_key, licensing, started_at, ended_at, error_code, error_message, forced)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := tx.Exec(insertQuery,
		run.InstanceKey,
		run.Licensing,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.EndedAt.UTC().Format(time.RFC3339Nano),
		run.ErrorCode,
		run.ErrorMessage,
		boolToInt(run.Forced),
	)
	if err != nil {
		return fmt.Errorf("insert engine run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("engine run id: %w", err)
	}

	if s.maxRows > 0 {
		const pruneQuery = `
			DELETE FROM engine_runs
			WHERE id NOT IN (SELECT id FROM engine_runs ORDER BY id DESC LIMIT ?)
		`
		if _, err := tx.Exec(pruneQuery, s.maxRows); err != nil {
			return fmt.Errorf("prune engine runs: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit engine run: %w", err)
	}
	run.ID = id

	s.logger.Debug("saved engine run", "id", id, "error_code", run.ErrorCode)
	return nil
}

// ListEngineRuns returns runs newest first. limit <= 0 returns all.
func (s *SQLiteStore) ListEngineRuns(limit int) ([]*EngineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, instance_key, licensing, started_at, ended_at, error_code, error_message, forced
		FROM engine_runs
		ORDER BY id DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query engine runs: %w", err)
	}
	defer rows.Close()

	var runs []*EngineRun
	for rows.Next() {
		var (
			run            EngineRun
			started, ended string
			forced         int
		)
		if err := rows.Scan(&run.ID, &run.InstanceKey, &run.Licensing, &started, &ended,
			&run.ErrorCode, &run.ErrorMessage, &forced); err != nil {
			return nil, fmt.Errorf("scan engine run: %w", err)
		}
		if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if run.EndedAt, err = time.Parse(time.RFC3339Nano, ended); err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		run.Forced = forced != 0
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate engine runs: %w", err)
	}
	return runs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
