package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// schema is applied statement by statement; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS deliveries (
		id            BIGSERIAL PRIMARY KEY,
		campaign_id   TEXT NOT NULL,
		tenant_id     TEXT,
		recipient     TEXT NOT NULL,
		channel       TEXT,
		status        TEXT NOT NULL,
		code          TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS deliveries_campaign_recipient_uq ON deliveries (campaign_id, recipient)`,
	`CREATE INDEX IF NOT EXISTS deliveries_campaign_status_idx ON deliveries (campaign_id, status)`,
}

// EnsureSchema creates the deliveries table and its indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring deliveries schema: %w", err)
		}
	}
	return nil
}
