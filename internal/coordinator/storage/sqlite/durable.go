// Package sqlite implements storage.DurableStore on an embedded SQLite file
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage"
)

//go:embed schema.sql
var schema string

// DurableStore keeps documents in a single SQLite table, scoped by namespace
type DurableStore struct {
	db        *sql.DB
	namespace string
	now       func() time.Time
}

// New opens (or creates) the database at path. ":memory:" gives a private
// in-memory database.
func New(path, namespace string) (*DurableStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps SQLite away from SQLITE_BUSY under the write-behind queue
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DurableStore{db: db, namespace: namespace, now: time.Now}, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Get implements storage.DurableStore
func (s *DurableStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents
		 WHERE namespace = ? AND key = ? AND (expires_at = 0 OR expires_at > ?)`,
		s.namespace, key, s.now().UnixMilli(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	return data, nil
}

// Put implements storage.DurableStore
func (s *DurableStore) Put(ctx context.Context, key string, doc []byte, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (namespace, key, kind, data, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET
		   data = excluded.data,
		   updated_at = excluded.updated_at,
		   expires_at = excluded.expires_at`,
		s.namespace, key, storage.KindOf(key), doc, s.now().UnixMilli(), toMillis(expiresAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite put %s: %w", key, err)
	}
	return nil
}

// Delete implements storage.DurableStore
func (s *DurableStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE namespace = ? AND key = ?`, s.namespace, key,
	); err != nil {
		return fmt.Errorf("sqlite delete %s: %w", key, err)
	}
	return nil
}

// Sweep implements storage.DurableStore
func (s *DurableStore) Sweep(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE namespace = ? AND expires_at > 0 AND expires_at < ?`,
		s.namespace, before.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite sweep: %w", err)
	}
	return int(n), nil
}

// Ping implements storage.DurableStore
func (s *DurableStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements storage.DurableStore
func (s *DurableStore) Close() error {
	return s.db.Close()
}
