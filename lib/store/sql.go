// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	// sqlx needs the drivers to talk to PostgreSQL and SQLite.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS workers (
	id text PRIMARY KEY,
	state text NOT NULL DEFAULT '',
	state_hint text NOT NULL DEFAULT '',
	created_at timestamp NOT NULL,
	updated_at timestamp NOT NULL,
	last_heartbeat_at timestamp,
	version bigint NOT NULL DEFAULT 1,
	metadata text NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS tasks (
	id text PRIMARY KEY,
	state text NOT NULL,
	worker_id text,
	task_type text NOT NULL DEFAULT '',
	attempts integer NOT NULL DEFAULT 0,
	started_at timestamp,
	processed_at timestamp,
	error_message text NOT NULL DEFAULT '',
	reset_reason text NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS tasks_worker_id_idx ON tasks (worker_id);
CREATE INDEX IF NOT EXISTS tasks_state_idx ON tasks (state);
`

// SQLStore is a Store backed by PostgreSQL (production) or SQLite
// (single-node setups). The SQL text is kept portable between the two
// drivers.
type SQLStore struct {
	db              *sqlx.DB
	logger          logrus.FieldLogger
	maxTaskAttempts int
}

// OpenSQL opens the database and ensures the schema exists.
func OpenSQL(driver, dsn string, maxTaskAttempts int, logger logrus.FieldLogger) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening %s database: %w", driver, err)
	}
	s := &SQLStore{db: db, logger: logger, maxTaskAttempts: maxTaskAttempts}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error setting up schema: %w", err)
	}
	return s, nil
}

type workerRow struct {
	ID              string       `db:"id"`
	State           string       `db:"state"`
	StateHint       string       `db:"state_hint"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
	LastHeartbeatAt sql.NullTime `db:"last_heartbeat_at"`
	Version         int64        `db:"version"`
	Metadata        []byte       `db:"metadata"`
}

func (r workerRow) worker() (fleet.Worker, error) {
	w := fleet.Worker{
		ID:        r.ID,
		State:     fleet.WorkerState(r.State),
		StateHint: fleet.WorkerState(r.StateHint),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Version:   r.Version,
	}
	if r.LastHeartbeatAt.Valid {
		t := r.LastHeartbeatAt.Time
		w.LastHeartbeatAt = &t
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &w.Metadata); err != nil {
			return w, fmt.Errorf("error decoding metadata for worker %s: %w", r.ID, err)
		}
	}
	return w, nil
}

type taskRow struct {
	ID           string         `db:"id"`
	State        string         `db:"state"`
	WorkerID     sql.NullString `db:"worker_id"`
	TaskType     string         `db:"task_type"`
	Attempts     int            `db:"attempts"`
	StartedAt    sql.NullTime   `db:"started_at"`
	ProcessedAt  sql.NullTime   `db:"processed_at"`
	ErrorMessage string         `db:"error_message"`
	ResetReason  string         `db:"reset_reason"`
}

func (r taskRow) task() fleet.Task {
	t := fleet.Task{
		ID:           r.ID,
		State:        fleet.TaskState(r.State),
		Type:         r.TaskType,
		Attempts:     r.Attempts,
		ErrorMessage: r.ErrorMessage,
		ResetReason:  r.ResetReason,
	}
	if r.WorkerID.Valid {
		id := r.WorkerID.String
		t.WorkerID = &id
	}
	if r.StartedAt.Valid {
		tt := r.StartedAt.Time
		t.StartedAt = &tt
	}
	if r.ProcessedAt.Valid {
		tt := r.ProcessedAt.Time
		t.ProcessedAt = &tt
	}
	return t
}

// ListWorkers implements Store.
func (s *SQLStore) ListWorkers(ctx context.Context, states ...fleet.WorkerState) ([]fleet.Worker, error) {
	query := `SELECT id, state, state_hint, created_at, updated_at, last_heartbeat_at, version, metadata FROM workers`
	var args []interface{}
	if len(states) > 0 {
		want := make([]string, len(states))
		for i, st := range states {
			want[i] = string(st)
		}
		var err error
		query, args, err = sqlx.In(query+` WHERE (CASE WHEN state = '' THEN state_hint ELSE state END) IN (?)`, want)
		if err != nil {
			return nil, err
		}
	}
	query += ` ORDER BY id`
	var rows []workerRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	ret := make([]fleet.Worker, 0, len(rows))
	for _, r := range rows {
		w, err := r.worker()
		if err != nil {
			return nil, err
		}
		ret = append(ret, w)
	}
	return ret, nil
}

// GetWorker implements Store.
func (s *SQLStore) GetWorker(ctx context.Context, id string) (fleet.Worker, error) {
	var r workerRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(
		`SELECT id, state, state_hint, created_at, updated_at, last_heartbeat_at, version, metadata FROM workers WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return fleet.Worker{}, ErrWorkerNotFound
	} else if err != nil {
		return fleet.Worker{}, err
	}
	return r.worker()
}

// InsertWorker implements Store.
func (s *SQLStore) InsertWorker(ctx context.Context, w fleet.Worker) error {
	meta, err := json.Marshal(w.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO workers (id, state, state_hint, created_at, updated_at, version, metadata) VALUES (?, ?, ?, ?, ?, 1, ?)`),
		w.ID, string(w.State), string(w.StateHint), w.CreatedAt, w.UpdatedAt, string(meta))
	return err
}

// UpdateWorker implements Store. The version check makes the write
// optimistic: a concurrent update to the same row surfaces as
// ErrVersionConflict and the caller re-reads on the next cycle.
// last_heartbeat_at is never written here; it belongs to the worker
// process.
func (s *SQLStore) UpdateWorker(ctx context.Context, w fleet.Worker) (fleet.Worker, error) {
	stored, err := s.GetWorker(ctx, w.ID)
	if err != nil {
		return fleet.Worker{}, err
	}
	if stored.Version != w.Version {
		return fleet.Worker{}, ErrVersionConflict
	}
	if stored.State != w.State && !stored.State.CanAdvance(w.State) {
		return fleet.Worker{}, ErrStateRegression
	}
	meta, err := json.Marshal(w.Metadata)
	if err != nil {
		return fleet.Worker{}, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE workers SET state = ?, state_hint = ?, updated_at = ?, version = version + 1, metadata = ? WHERE id = ? AND version = ?`),
		string(w.State), string(w.State), now, string(meta), w.ID, w.Version)
	if err != nil {
		return fleet.Worker{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fleet.Worker{}, ErrVersionConflict
	}
	w.StateHint = w.State
	w.UpdatedAt = now
	w.Version++
	return w, nil
}

// ListWorkerTasks implements Store.
func (s *SQLStore) ListWorkerTasks(ctx context.Context, workerID string) ([]fleet.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT id, state, worker_id, task_type, attempts, started_at, processed_at, error_message, reset_reason FROM tasks WHERE state = ? AND worker_id = ? ORDER BY id`),
		string(fleet.TaskInProgress), workerID)
	if err != nil {
		return nil, err
	}
	ret := make([]fleet.Task, 0, len(rows))
	for _, r := range rows {
		ret = append(ret, r.task())
	}
	return ret, nil
}

// LastTaskFinished implements Store.
func (s *SQLStore) LastTaskFinished(ctx context.Context, workerID string) (time.Time, error) {
	// ORDER BY instead of MAX(): aggregate results lose the column
	// type, which breaks time scanning on sqlite.
	var last time.Time
	err := s.db.GetContext(ctx, &last, s.db.Rebind(
		`SELECT processed_at FROM tasks WHERE worker_id = ? AND processed_at IS NOT NULL ORDER BY processed_at DESC LIMIT 1`), workerID)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	} else if err != nil {
		return time.Time{}, err
	}
	return last, nil
}

// CountTasks implements Store.
func (s *SQLStore) CountTasks(ctx context.Context) (fleet.TaskCounts, error) {
	var tc fleet.TaskCounts
	err := s.db.GetContext(ctx, &tc.Queued, s.db.Rebind(
		`SELECT COUNT(*) FROM tasks WHERE state = ? AND attempts < ?`),
		string(fleet.TaskQueued), s.maxTaskAttempts)
	if err != nil {
		return tc, err
	}
	err = s.db.GetContext(ctx, &tc.InProgress, s.db.Rebind(
		`SELECT COUNT(*) FROM tasks WHERE state = ?`), string(fleet.TaskInProgress))
	return tc, err
}

// ResetTasks implements Store.
func (s *SQLStore) ResetTasks(ctx context.Context, f ResetFilter) (int, error) {
	if f.empty() {
		return 0, nil
	}
	query := `UPDATE tasks SET state = ?, worker_id = NULL, started_at = NULL, processed_at = NULL, reset_reason = ? WHERE state = ? AND attempts < ?`
	args := []interface{}{string(fleet.TaskQueued), f.Reason, string(fleet.TaskInProgress), f.MaxAttempts}

	cond := ``
	if len(f.WorkerIDs) > 0 {
		sub, subargs, err := sqlx.In(`worker_id IN (?)`, f.WorkerIDs)
		if err != nil {
			return 0, err
		}
		cond = sub
		args = append(args, subargs...)
	}
	if !f.UnassignedBefore.IsZero() {
		stale := `(worker_id IS NULL AND started_at IS NOT NULL AND started_at < ?)`
		if cond != `` {
			cond = `(` + cond + ` OR ` + stale + `)`
		} else {
			cond = stale
		}
		args = append(args, f.UnassignedBefore)
	}
	query += ` AND ` + cond
	if len(f.ExemptTypes) > 0 {
		sub, subargs, err := sqlx.In(` AND task_type NOT IN (?)`, f.ExemptTypes)
		if err != nil {
			return 0, err
		}
		query += sub
		args = append(args, subargs...)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RecordHeartbeat implements Store.
func (s *SQLStore) RecordHeartbeat(ctx context.Context, workerID string, t time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE workers SET last_heartbeat_at = ? WHERE id = ?`), t, workerID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

// Close implements Store.
func (s *SQLStore) Close() error { return s.db.Close() }
