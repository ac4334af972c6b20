// Package postgres implements storage.Store against a pgx-backed
// kv_store table, using the same pool-construction and parameterized
// upsert idiom as the teacher's internal/db and internal/state
// packages.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/knx-iot/gateway/internal/metrics"
)

// Store is a storage.Store backed by Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, pings it, and returns a ready Store. The
// kv_store table must already exist (provisioned by
// cmd/gatewayd migrate).
func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: parsing DSN: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage/postgres: pinging database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv_store WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		metrics.StorageOperationsTotal.WithLabelValues("get", "error").Inc()
		return nil, false, fmt.Errorf("storage/postgres: get %q: %w", key, err)
	}
	metrics.StorageOperationsTotal.WithLabelValues("get", "ok").Inc()
	return value, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	metrics.StorageWriteDuration.WithLabelValues("postgres", "put").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StorageOperationsTotal.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("storage/postgres: put %q: %w", key, err)
	}
	metrics.StorageOperationsTotal.WithLabelValues("put", "ok").Inc()
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `DELETE FROM kv_store WHERE key = $1`, key)
	metrics.StorageWriteDuration.WithLabelValues("postgres", "delete").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StorageOperationsTotal.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("storage/postgres: delete %q: %w", key, err)
	}
	metrics.StorageOperationsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

func (s *Store) Ready(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
