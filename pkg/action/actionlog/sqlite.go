// Copyright 2025 UMH Systems GmbH
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

package actionlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/united-manufacturing-hub/actioncore/pkg/action"
)

const createTableQuery = `CREATE TABLE IF NOT EXISTS action_logs (
	action_log_id INTEGER PRIMARY KEY AUTOINCREMENT,
	action_id INTEGER NOT NULL,
	status INTEGER NOT NULL,
	starter_id INTEGER NOT NULL DEFAULT 0,
	queuing_time INTEGER,
	start_time INTEGER,
	end_time INTEGER,
	exit_failure_code INTEGER NOT NULL DEFAULT 0,
	exit_code INTEGER
)`

const selectColumns = `action_log_id, action_id, status, starter_id, queuing_time, start_time, end_time, exit_failure_code, exit_code`

// SQLiteStore persists records in an action_logs table.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) the database at dbPath. ":memory:" is accepted.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", buildConnectionString(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create action_logs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func buildConnectionString(dbPath string) string {
	if dbPath == ":memory:" {
		return "file::memory:?cache=shared"
	}

	baseParams := "?mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"
	if runtime.GOOS == "darwin" {
		baseParams += "&_fullfsync=1"
	}

	return "file:" + dbPath + baseParams
}

func (s *SQLiteStore) Create(ctx context.Context, def action.ActionDef, failureCode FailureCode, status Status) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return InvalidID, ErrClosed
	}

	l := newLog(def, failureCode, status, time.Now())

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO action_logs (action_id, status, starter_id, queuing_time, start_time, end_time, exit_failure_code)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ActionID, int(l.Status), l.StarterID,
		nullTime(l.QueuingTime), nullTime(l.StartTime), nullTime(l.EndTime), int(l.FailureCode))
	if err != nil {
		return InvalidID, fmt.Errorf("failed to insert action log: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return InvalidID, fmt.Errorf("failed to read action log id: %w", err)
	}

	return uint64(id), nil
}

func (s *SQLiteStore) UpdateStatusToStart(ctx context.Context, logID uint64) error {
	return s.update(ctx, logID,
		`UPDATE action_logs SET status = ?, start_time = ? WHERE action_log_id = ?`,
		int(StatusStarted), time.Now().UnixNano(), logID)
}

func (s *SQLiteStore) End(ctx context.Context, arg EndArg) error {
	return s.update(ctx, arg.LogID,
		`UPDATE action_logs SET status = ?, end_time = ?, exit_code = ?, exit_failure_code = ? WHERE action_log_id = ?`,
		int(arg.Status), time.Now().UnixNano(), arg.ExitCode, int(arg.FailureCode), arg.LogID)
}

func (s *SQLiteStore) update(ctx context.Context, logID uint64, query string, args ...any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update action log %d: %w", logID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update action log %d: %w", logID, err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, logID uint64) (Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Log{}, ErrClosed
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM action_logs WHERE action_log_id = ?`, logID)

	l, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Log{}, ErrNotFound
	}

	return l, err
}

func (s *SQLiteStore) List(ctx context.Context) ([]Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM action_logs ORDER BY action_log_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list action logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []Log

	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}

		logs = append(logs, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate action logs: %w", err)
	}

	return logs, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLog(row scanner) (Log, error) {
	var (
		l                               Log
		status, failureCode             int
		queuingTime, startTime, endTime sql.NullInt64
		exitCode                        sql.NullInt64
	)

	if err := row.Scan(&l.ID, &l.ActionID, &status, &l.StarterID, &queuingTime, &startTime, &endTime, &failureCode, &exitCode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Log{}, err
		}

		return Log{}, fmt.Errorf("failed to scan action log: %w", err)
	}

	l.Status = Status(status)
	l.FailureCode = FailureCode(failureCode)
	l.QueuingTime = fromNull(queuingTime)
	l.StartTime = fromNull(startTime)
	l.EndTime = fromNull(endTime)

	if exitCode.Valid {
		code := int(exitCode.Int64)
		l.ExitCode = &code
	}

	return l, nil
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}

	return time.Unix(0, v.Int64)
}
