// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite is the principal's durable store: the insert-only log and
// status tables behind the persister, and the queries the control server
// answers from.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/cdktr/internal/logstream"
	"github.com/tombee/cdktr/pkg/protocol"
	"github.com/tombee/cdktr/pkg/workflow"
)

// Compile-time interface assertion.
var _ logstream.Storage = (*Store)(nil)

// defaultRecentLimit bounds RecentWorkflowStatuses when the caller does not.
const defaultRecentLimit = 20

// Store is a SQLite-backed store. All three tables are insert-only; current
// state is derived from the newest row per instance.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string
}

// New opens (creating if necessary) the database at cfg.Path and runs the
// idempotent migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",    // Enable foreign key constraints
		"PRAGMA busy_timeout=5000",  // 5 second timeout for lock contention
		"PRAGMA synchronous=NORMAL", // Balance between performance and durability
		"PRAGMA journal_mode=WAL",   // WAL mode so queries run during bulk inserts
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS logstore (
			workflow_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			workflow_instance_id TEXT NOT NULL,
			task_name TEXT NOT NULL,
			task_instance_id TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			level TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logstore_timestamp ON logstore(timestamp_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_logstore_workflow ON logstore(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_run_status (
			workflow_id TEXT NOT NULL,
			workflow_instance_id TEXT NOT NULL,
			status TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_run_status_instance ON workflow_run_status(workflow_instance_id)`,
		`CREATE TABLE IF NOT EXISTS task_run_status (
			task_id TEXT NOT NULL,
			task_instance_id TEXT NOT NULL,
			workflow_instance_id TEXT NOT NULL,
			status TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_run_status_instance ON task_run_status(workflow_instance_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// InsertLogFrames bulk-inserts one batch of log frames in slice order.
func (s *Store) InsertLogFrames(ctx context.Context, frames []protocol.LogFrame) error {
	if len(frames) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO logstore (workflow_id, workflow_name, workflow_instance_id,
			task_name, task_instance_id, timestamp_ms, level, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range frames {
		_, err := stmt.ExecContext(ctx,
			f.WorkflowID, f.WorkflowName, f.WorkflowInstanceID,
			f.TaskName, f.TaskInstanceID, f.TimestampMS, string(f.Level), f.Payload,
		)
		if err != nil {
			return fmt.Errorf("failed to insert log frame: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit log frames: %w", err)
	}
	return nil
}

// InsertWorkflowStatuses bulk-inserts workflow status rows in slice order.
func (s *Store) InsertWorkflowStatuses(ctx context.Context, rows []logstream.WorkflowStatusRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO workflow_run_status (workflow_id, workflow_instance_id, status, timestamp_ms)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx, r.WorkflowID, r.WorkflowInstanceID, string(r.Status), r.TimestampMS)
		if err != nil {
			return fmt.Errorf("failed to insert workflow status: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow statuses: %w", err)
	}
	return nil
}

// InsertTaskStatuses bulk-inserts task status rows in slice order.
func (s *Store) InsertTaskStatuses(ctx context.Context, rows []logstream.TaskStatusRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO task_run_status (task_id, task_instance_id, workflow_instance_id, status, timestamp_ms)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx, r.TaskID, r.TaskInstanceID, r.WorkflowInstanceID, string(r.Status), r.TimestampMS)
		if err != nil {
			return fmt.Errorf("failed to insert task status: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task statuses: %w", err)
	}
	return nil
}

// QueryLogs returns frames matching the filters in timestamp order. Zero
// timestamps take the defaults: end = now, start = end minus 24 hours.
func (s *Store) QueryLogs(ctx context.Context, params protocol.QueryLogsParams) ([]protocol.LogFrame, error) {
	end := params.EndMS
	if end <= 0 {
		end = time.Now().UnixMilli()
	}
	start := params.StartMS
	if start <= 0 {
		start = end - 24*time.Hour.Milliseconds()
	}

	query := `
		SELECT workflow_id, workflow_name, workflow_instance_id,
			task_name, task_instance_id, timestamp_ms, level, payload
		FROM logstore
		WHERE timestamp_ms >= ? AND timestamp_ms <= ?
	`
	args := []any{start, end}

	if params.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, params.WorkflowID)
	}
	if params.WorkflowInstanceID != "" {
		query += " AND workflow_instance_id = ?"
		args = append(args, params.WorkflowInstanceID)
	}

	// rowid breaks timestamp ties in insert order.
	query += " ORDER BY timestamp_ms ASC, rowid ASC"

	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var frames []protocol.LogFrame
	for rows.Next() {
		var f protocol.LogFrame
		var level string
		err := rows.Scan(
			&f.WorkflowID, &f.WorkflowName, &f.WorkflowInstanceID,
			&f.TaskName, &f.TaskInstanceID, &f.TimestampMS, &level, &f.Payload,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log frame: %w", err)
		}
		f.Level = protocol.LogLevel(level)
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log rows: %w", err)
	}

	return frames, nil
}

// RecentWorkflowStatuses returns the current status of the most recently
// active instances, newest first. The current status of an instance is its
// row with the greatest timestamp_ms.
func (s *Store) RecentWorkflowStatuses(ctx context.Context, limit int) ([]protocol.InstanceStatus, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	query := `
		SELECT workflow_id, workflow_instance_id, status, MAX(timestamp_ms) AS ts
		FROM workflow_run_status
		GROUP BY workflow_instance_id
		ORDER BY ts DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent statuses: %w", err)
	}
	defer rows.Close()

	var statuses []protocol.InstanceStatus
	for rows.Next() {
		var st protocol.InstanceStatus
		var status string
		if err := rows.Scan(&st.WorkflowID, &st.WorkflowInstanceID, &status, &st.TimestampMS); err != nil {
			return nil, fmt.Errorf("failed to scan status: %w", err)
		}
		st.Status = workflow.RunStatus(status)
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read status rows: %w", err)
	}

	return statuses, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
