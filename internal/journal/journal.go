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

// Package journal persists lifecycle events in a SQLite database so past
// starts, stops and failures can be listed after the fact.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/dedupv1adm/internal/lifecycle"
)

// DefaultLimit is the number of events List returns when limit <= 0.
const DefaultLimit = 50

// Store is a SQLite-backed lifecycle.EventRecorder.
type Store struct {
	db *sql.DB
}

var _ lifecycle.EventRecorder = (*Store)(nil)

// Open opens or creates the journal at path. The special path ":memory:"
// creates an in-memory journal.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}

	connStr := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// One writer per invocation; an in-memory database exists per
	// connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS lifecycle_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			invocation_id TEXT,
			event TEXT NOT NULL,
			pid INTEGER,
			success INTEGER NOT NULL,
			message TEXT,
			flags TEXT,
			config_file TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_timestamp ON lifecycle_events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_invocation ON lifecycle_events(invocation_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Record implements lifecycle.EventRecorder.
func (s *Store) Record(ctx context.Context, e *lifecycle.LifecycleEvent) error {
	if e == nil {
		return fmt.Errorf("event is nil")
	}
	var flags []byte
	if len(e.Flags) > 0 {
		var err error
		if flags, err = json.Marshal(e.Flags); err != nil {
			return fmt.Errorf("failed to encode flags: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lifecycle_events
			(timestamp, invocation_id, event, pid, success, message, flags, config_file, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UnixNano(), e.InvocationID, e.Event, e.PID, e.Success,
		e.Message, string(flags), e.ConfigFile, e.Error)
	if err != nil {
		return fmt.Errorf("failed to record event %s: %w", e.Event, err)
	}
	return nil
}

// Filter narrows List.
type Filter struct {
	// Limit caps the number of events. <= 0 means DefaultLimit.
	Limit int

	// Event keeps only events with this name when set.
	Event string

	// InvocationID keeps only events of one invocation when set.
	InvocationID string
}

// List returns events newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*lifecycle.LifecycleEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := `SELECT timestamp, invocation_id, event, pid, success, message, flags, config_file, error
		FROM lifecycle_events WHERE 1=1`
	var args []any
	if f.Event != "" {
		query += " AND event = ?"
		args = append(args, f.Event)
	}
	if f.InvocationID != "" {
		query += " AND invocation_id = ?"
		args = append(args, f.InvocationID)
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*lifecycle.LifecycleEvent
	for rows.Next() {
		var (
			e     lifecycle.LifecycleEvent
			ts    int64
			flags sql.NullString
			inv   sql.NullString
			msg   sql.NullString
			conf  sql.NullString
			errs  sql.NullString
		)
		if err := rows.Scan(&ts, &inv, &e.Event, &e.PID, &e.Success, &msg, &flags, &conf, &errs); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		e.InvocationID, e.Message, e.ConfigFile, e.Error = inv.String, msg.String, conf.String, errs.String
		if flags.String != "" {
			if err := json.Unmarshal([]byte(flags.String), &e.Flags); err != nil {
				return nil, fmt.Errorf("failed to decode flags of %s event: %w", e.Event, err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Prune deletes events older than before and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM lifecycle_events WHERE timestamp < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
