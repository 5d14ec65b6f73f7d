// Package spillover persists audit events that exhausted their publish
// retries, so they can be replayed later instead of lost.
package spillover

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS spillover (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	topic       TEXT NOT NULL,
	key         TEXT NOT NULL,
	payload     BLOB NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_spillover_created ON spillover(created_at);
`

// Store is a local durable queue backed by sqlite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the spillover database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open spillover db: %w", err)
	}
	// A single writer keeps sqlite happy under concurrent spills.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init spillover schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Enqueue persists one undeliverable event.
func (s *Store) Enqueue(ctx context.Context, topic, key string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spillover (topic, key, payload, attempts, created_at) VALUES (?, ?, ?, 0, ?)`,
		topic, key, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("enqueue spillover: %w", err)
	}
	return nil
}

// PublishFunc delivers one spilled event to the transport.
type PublishFunc func(ctx context.Context, topic, key string, payload []byte) error

// Replay drains queued events oldest-first, deleting each on successful
// publish. It stops at the first failure (the transport is likely still
// down) and returns the number replayed.
func (s *Store) Replay(ctx context.Context, publish PublishFunc) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, key, payload FROM spillover ORDER BY created_at, id LIMIT 1000`)
	if err != nil {
		return 0, fmt.Errorf("query spillover: %w", err)
	}

	type item struct {
		id      int64
		topic   string
		key     string
		payload []byte
	}
	var items []item
	for rows.Next() {
		var it item
		if err := rows.Scan(&it.id, &it.topic, &it.key, &it.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan spillover row: %w", err)
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate spillover: %w", err)
	}

	replayed := 0
	for _, it := range items {
		if err := publish(ctx, it.topic, it.key, it.payload); err != nil {
			s.markAttempt(ctx, it.id)
			return replayed, fmt.Errorf("replay spillover id=%d: %w", it.id, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM spillover WHERE id = ?`, it.id); err != nil {
			return replayed, fmt.Errorf("delete spillover id=%d: %w", it.id, err)
		}
		replayed++
	}
	return replayed, nil
}

// Depth reports queued event count.
func (s *Store) Depth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spillover`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count spillover: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) markAttempt(ctx context.Context, id int64) {
	_, _ = s.db.ExecContext(ctx, `UPDATE spillover SET attempts = attempts + 1 WHERE id = ?`, id)
}
