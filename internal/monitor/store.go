// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package monitor

import (
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// Metric is one recorded measurement.
type Metric struct {
	Type  string
	Value float64
	Tags  map[string]string
	At    time.Time
}

// Store persists metrics durably and serves sliding-window queries.
type Store interface {
	WriteBatch(metrics []Metric) error
	Query(since time.Time) ([]Metric, error)
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	value REAL NOT NULL,
	tags TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_created_at ON metrics(created_at);
CREATE INDEX IF NOT EXISTS idx_metrics_type ON metrics(type);
`

// SQLStore is a SQLite-backed Store.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (or creates) the metric database at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("monitor: failed to open metric store: %w", err)
	}
	// SQLite handles one writer; keep a single connection to avoid lock
	// contention.
	db.SetMaxOpenConns(1)

	store, err := NewSQLStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Infof("Metric store opened at %s", path)
	return store, nil
}

// NewSQLStore wraps an existing database handle. Tests inject sqlmock here.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("monitor: failed to initialize schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// WriteBatch inserts all metrics in one transaction.
func (s *SQLStore) WriteBatch(metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("monitor: begin batch: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO metrics (type, value, tags, created_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("monitor: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range metrics {
		var tags interface{}
		if len(m.Tags) > 0 {
			raw, err := json.Marshal(m.Tags)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("monitor: marshal tags: %w", err)
			}
			tags = string(raw)
		}
		if _, err := stmt.Exec(m.Type, m.Value, tags, m.At.UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("monitor: insert metric: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("monitor: commit batch: %w", err)
	}
	return nil
}

// Query returns all metrics recorded at or after since, oldest first.
func (s *SQLStore) Query(since time.Time) ([]Metric, error) {
	rows, err := s.db.Query(
		"SELECT type, value, tags, created_at FROM metrics WHERE created_at >= ? ORDER BY created_at ASC",
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("monitor: query metrics: %w", err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var m Metric
		var tags sql.NullString
		if err := rows.Scan(&m.Type, &m.Value, &tags, &m.At); err != nil {
			return nil, fmt.Errorf("monitor: scan metric: %w", err)
		}
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &m.Tags); err != nil {
				log.Warnf("Metric with undecodable tags: %v", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Prune deletes metrics older than the retention horizon.
func (s *SQLStore) Prune(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM metrics WHERE created_at < ?", olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("monitor: prune metrics: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
