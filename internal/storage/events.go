package storage

import (
	"fmt"
	"time"
)

// Instance event names written by the router.
const (
	EventStarted  = "started"
	EventAttached = "attached"
	EventDetached = "detached"
	EventStopped  = "stopped"
	EventReaped   = "reaped"
	EventFailed   = "failed"
)

// InstanceEvent is one router decision about a backend instance.
type InstanceEvent struct {
	ID          int64     `json:"id"`
	InstanceKey string    `json:"instanceKey"`
	ContextID   string    `json:"contextId,omitempty"`
	CallerID    string    `json:"callerId,omitempty"`
	Event       string    `json:"event"`
	PID         int       `json:"pid,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// SaveInstanceEvent inserts an event and prunes beyond the row bound.
// A zero At is stamped with the current time.
func (s *SQLiteStore) SaveInstanceEvent(ev *InstanceEvent) error {
	if ev == nil {
		return fmt.Errorf("instance event cannot be nil")
	}
	if ev.InstanceKey == "" || ev.Event == "" {
		return fmt.Errorf("instance event requires instance key and event")
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	const insertQuery = `
		INSERT INTO instance_events
			(instance_key, context_id, caller_id, event, pid, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := tx.Exec(insertQuery,
		ev.InstanceKey,
		ev.ContextID,
		ev.CallerID,
		ev.Event,
		ev.PID,
		ev.Detail,
		ev.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert instance event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("instance event id: %w", err)
	}

	if s.maxRows > 0 {
		const pruneQuery = `
			DELETE FROM instance_events
			WHERE id NOT IN (SELECT id FROM instance_events ORDER BY id DESC LIMIT ?)
		`
		if _, err := tx.Exec(pruneQuery, s.maxRows); err != nil {
			return fmt.Errorf("prune instance events: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit instance event: %w", err)
	}
	ev.ID = id
	return nil
}

// ListInstanceEvents returns events newest first, optionally for one
// instance key. limit <= 0 returns all.
func (s *SQLiteStore) ListInstanceEvents(instanceKey string, limit int) ([]*InstanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, instance_key, context_id, caller_id, event, pid, detail, at
		FROM instance_events
	`
	args := []any{}
	if instanceKey != "" {
		query += " WHERE instance_key = ?"
		args = append(args, instanceKey)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instance events: %w", err)
	}
	defer rows.Close()

	var events []*InstanceEvent
	for rows.Next() {
		var (
			ev InstanceEvent
			at string
		)
		if err := rows.Scan(&ev.ID, &ev.InstanceKey, &ev.ContextID, &ev.CallerID,
			&ev.Event, &ev.PID, &ev.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan instance event: %w", err)
		}
		if ev.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse at: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instance events: %w", err)
	}
	return events, nil
}
