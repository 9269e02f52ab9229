// Package buildlog keeps a queryable history of finished builds in SQLite.
package buildlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
)

// Build statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Record is one finished build.
type Record struct {
	ID         int64     `json:"id"`
	Platform   string    `json:"platform"`
	Generation uint64    `json:"generation"`
	Hash       string    `json:"hash"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"durationMs"`
	Warnings   []string  `json:"warnings"`
	Errors     []string  `json:"errors"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Store is a SQLite backed build history. Use ":memory:" for a process
// local history or a file path to keep it across restarts.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

func Open(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryStorage, "open build history").
			WithContext("dsn", dsn).
			Build()
	}
	// every connection to ":memory:" is a separate database
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, ferrors.WrapError(err, ferrors.CategoryStorage, "initialize build history schema").Build()
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS builds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		platform TEXT NOT NULL,
		generation INTEGER NOT NULL,
		hash TEXT NOT NULL,
		status TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		warnings TEXT NOT NULL,
		errors TEXT NOT NULL,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_builds_platform ON builds(platform, id);
	CREATE INDEX IF NOT EXISTS idx_builds_finished_at ON builds(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append stores r and returns its id.
func (s *Store) Append(ctx context.Context, r Record) (int64, error) {
	warnings, err := json.Marshal(nonNil(r.Warnings))
	if err != nil {
		return 0, ferrors.WrapError(err, ferrors.CategoryInternal, "encode warnings").Build()
	}
	errs, err := json.Marshal(nonNil(r.Errors))
	if err != nil {
		return 0, ferrors.WrapError(err, ferrors.CategoryInternal, "encode errors").Build()
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO builds (platform, generation, hash, status, duration_ms, warnings, errors, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Platform, int64(r.Generation), r.Hash, r.Status, r.DurationMS, string(warnings), string(errs), r.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return 0, ferrors.WrapError(err, ferrors.CategoryStorage, "insert build record").
			WithContext("platform", r.Platform).
			Build()
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, ferrors.WrapError(err, ferrors.CategoryStorage, "read build record id").Build()
	}
	return id, nil
}

// List returns the newest records of platform first, at most limit
// (all when limit <= 0).
func (s *Store) List(ctx context.Context, platform string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, platform, generation, hash, status, duration_ms, warnings, errors, finished_at
		FROM builds WHERE platform = ? ORDER BY id DESC LIMIT ?`,
		platform, limit,
	)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryStorage, "query build records").Build()
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			r              Record
			gen, finished  int64
			warnings, errs string
		)
		if err := rows.Scan(&r.ID, &r.Platform, &gen, &r.Hash, &r.Status, &r.DurationMS, &warnings, &errs, &finished); err != nil {
			return nil, ferrors.WrapError(err, ferrors.CategoryStorage, "scan build record").Build()
		}
		r.Generation = uint64(gen)
		r.FinishedAt = time.UnixMilli(finished)
		if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
			return nil, ferrors.WrapError(err, ferrors.CategoryStorage, "decode warnings").Build()
		}
		if err := json.Unmarshal([]byte(errs), &r.Errors); err != nil {
			return nil, ferrors.WrapError(err, ferrors.CategoryStorage, "decode errors").Build()
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryStorage, "iterate build records").Build()
	}
	return records, nil
}

// Prune deletes records finished before cutoff and returns how many.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM builds WHERE finished_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, ferrors.WrapError(err, ferrors.CategoryStorage, "prune build records").Build()
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ferrors.WrapError(err, ferrors.CategoryStorage, "count pruned records").Build()
	}
	return n, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryStorage, "close build history").Build()
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
