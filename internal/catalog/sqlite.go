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

// Package catalog keeps a durable record of terminated jobs in SQLite.
//
// The in-memory history ring only holds the last few jobs; the catalog
// receives every summary the registry records and serves the longer
// history shown by status commands.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rkorzeniewski/bacula-sub003/internal/jcr"
	"github.com/rkorzeniewski/bacula-sub003/internal/log"
	bacerrors "github.com/rkorzeniewski/bacula-sub003/pkg/errors"
)

// Config configures the catalog.
type Config struct {
	// Path is the database file. ":memory:" keeps it in memory.
	Path string

	// WAL enables write-ahead logging for file databases.
	WAL bool

	// MaxOpenConns defaults to 1.
	MaxOpenConns int

	Logger *slog.Logger
}

// Catalog stores job summaries.
type Catalog struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the catalog and applies the schema.
func Open(ctx context.Context, cfg Config) (*Catalog, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("catalog path is required")
	}

	dsn := cfg.Path
	if cfg.Path != ":memory:" {
		dsn += "?_pragma=busy_timeout(5000)"
		if cfg.WAL {
			dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	conns := cfg.MaxOpenConns
	if conns <= 0 {
		conns = 1
	}
	db.SetMaxOpenConns(conns)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect catalog: %w", err)
	}

	c := &Catalog{db: db, logger: log.WithComponent(log.OrDefault(cfg.Logger), "catalog")}
	if err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return c, nil
}

func (c *Catalog) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			num_jobs INTEGER NOT NULL,
			job_id INTEGER NOT NULL,
			job TEXT NOT NULL,
			type TEXT NOT NULL,
			level TEXT NOT NULL,
			status TEXT NOT NULL,
			vol_session_id INTEGER NOT NULL,
			vol_session_time INTEGER NOT NULL,
			job_files INTEGER NOT NULL,
			job_bytes INTEGER NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_history_job_id ON job_history(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_job_history_end_time ON job_history(end_time)`,
	}
	for _, s := range stmts {
		if _, err := c.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (c *Catalog) Close() error { return c.db.Close() }

// Record stores one summary.
func (c *Catalog) Record(ctx context.Context, s jcr.Summary) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO job_history (num_jobs, job_id, job, type, level, status,
			vol_session_id, vol_session_time, job_files, job_bytes, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.NumJobs, s.JobID, s.Job,
		string(rune(s.Type)), string(rune(s.Level)), string(rune(s.Status)),
		s.VolSessionID, s.VolSessionTime, s.JobFiles, int64(s.JobBytes),
		unixNano(s.StartTime), unixNano(s.EndTime))
	if err != nil {
		return fmt.Errorf("record job %d: %w", s.JobID, err)
	}
	return nil
}

// Sink adapts Record to the registry's history hook. Failures are logged.
func (c *Catalog) Sink() func(jcr.Summary) {
	return func(s jcr.Summary) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Record(ctx, s); err != nil {
			c.logger.Error("catalog write failed", log.JobIDKey, s.JobID, log.Error(err))
		}
	}
}

// Recent returns up to limit summaries, newest first.
func (c *Catalog) Recent(ctx context.Context, limit int) ([]jcr.Summary, error) {
	if limit <= 0 {
		limit = jcr.DefaultHistoryCapacity
	}
	rows, err := c.db.QueryContext(ctx, selectSummary+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []jcr.Summary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Lookup returns the most recent summary for a JobId.
func (c *Catalog) Lookup(ctx context.Context, jobID uint32) (jcr.Summary, error) {
	row := c.db.QueryRowContext(ctx, selectSummary+` WHERE job_id = ? ORDER BY id DESC LIMIT 1`, jobID)
	s, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jcr.Summary{}, &bacerrors.NotFoundError{Resource: "job", ID: fmt.Sprint(jobID)}
	}
	return s, err
}

// Prune deletes all but the newest keep rows and returns how many went.
func (c *Catalog) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM job_history WHERE id NOT IN (SELECT id FROM job_history ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

const selectSummary = `SELECT num_jobs, job_id, job, type, level, status, vol_session_id,
	vol_session_time, job_files, job_bytes, start_time, end_time FROM job_history`

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(sc scanner) (jcr.Summary, error) {
	var (
		s                  jcr.Summary
		typ, level, status string
		bytes, start, end  int64
	)
	err := sc.Scan(&s.NumJobs, &s.JobID, &s.Job, &typ, &level, &status,
		&s.VolSessionID, &s.VolSessionTime, &s.JobFiles, &bytes, &start, &end)
	if err != nil {
		return s, err
	}
	s.Type = jcr.Type(firstByte(typ))
	s.Level = jcr.Level(firstByte(level))
	s.Status = jcr.Status(firstByte(status))
	s.JobBytes = uint64(bytes)
	s.StartTime = fromUnixNano(start)
	s.EndTime = fromUnixNano(end)
	return s, nil
}

func firstByte(s string) byte {
	if s == "" {
		return 0
	}
	return s[0]
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
