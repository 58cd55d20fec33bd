// Package postgres implements storage.DurableStore on PostgreSQL
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS coordination_documents (
  namespace  TEXT        NOT NULL,
  key        TEXT        NOT NULL,
  kind       TEXT        NOT NULL,
  data       JSONB       NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  expires_at TIMESTAMPTZ,
  PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS idx_coordination_documents_expiry
  ON coordination_documents (namespace, expires_at) WHERE expires_at IS NOT NULL;
`

// DurableStore keeps documents as JSONB rows, scoped by namespace
type DurableStore struct {
	db        *sql.DB
	namespace string
}

// New connects to dsn, verifies the connection and applies the schema
func New(ctx context.Context, dsn, namespace string) (*DurableStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", describe(err))
	}
	return &DurableStore{db: db, namespace: namespace}, nil
}

// describe adds the server-side error code when the driver reports one
func describe(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%s (%s): %w", pqErr.Code.Name(), pqErr.Code, err)
	}
	return err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Get implements storage.DurableStore
func (s *DurableStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM coordination_documents
		 WHERE namespace = $1 AND key = $2 AND (expires_at IS NULL OR expires_at > NOW())`,
		s.namespace, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", key, describe(err))
	}
	return data, nil
}

// Put implements storage.DurableStore
func (s *DurableStore) Put(ctx context.Context, key string, doc []byte, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO coordination_documents (namespace, key, kind, data, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, NOW(), $5)
		 ON CONFLICT (namespace, key) DO UPDATE SET
		   data = EXCLUDED.data,
		   updated_at = NOW(),
		   expires_at = EXCLUDED.expires_at`,
		s.namespace, key, storage.KindOf(key), string(doc), nullTime(expiresAt),
	)
	if err != nil {
		return fmt.Errorf("postgres put %s: %w", key, describe(err))
	}
	return nil
}

// Delete implements storage.DurableStore
func (s *DurableStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM coordination_documents WHERE namespace = $1 AND key = $2`, s.namespace, key,
	); err != nil {
		return fmt.Errorf("postgres delete %s: %w", key, describe(err))
	}
	return nil
}

// Sweep implements storage.DurableStore
func (s *DurableStore) Sweep(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM coordination_documents
		 WHERE namespace = $1 AND expires_at IS NOT NULL AND expires_at < $2`,
		s.namespace, before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres sweep: %w", describe(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres sweep: %w", err)
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
