package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool  *pgxpool.Pool
	owned bool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS gifty_idempotency_keys (
    key TEXT PRIMARY KEY,
    request_hash TEXT NOT NULL,
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	store, err := NewPostgresStoreFromPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewPostgresStoreFromPool shares an existing pool. Close leaves it open.
func NewPostgresStoreFromPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.owned && p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT request_hash, status_code, response, created_at, expires_at
FROM gifty_idempotency_keys
WHERE key = $1
`, key)

	var rec Record
	if err := row.Scan(&rec.RequestHash, &rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if time.Now().After(rec.ExpiresAt) {
		go p.deleteKey(context.Background(), key)
		return nil, nil
	}
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO gifty_idempotency_keys (key, request_hash, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (key) DO UPDATE
SET request_hash = EXCLUDED.request_hash,
    status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
`, key, record.RequestHash, record.StatusCode, record.Response, record.CreatedAt, record.ExpiresAt)
	return err
}

// Reserve inserts a pending row. An existing row is only taken over once it
// has expired, so concurrent callers see exactly one winner.
func (p *PostgresStore) Reserve(ctx context.Context, key string, record Record) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO gifty_idempotency_keys (key, request_hash, status_code, response, created_at, expires_at)
VALUES ($1, $2, 0, ''::bytea, $3, $4)
ON CONFLICT (key) DO UPDATE
SET request_hash = EXCLUDED.request_hash,
    status_code = 0,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE gifty_idempotency_keys.expires_at < now()
`, key, record.RequestHash, record.CreatedAt, record.ExpiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM gifty_idempotency_keys WHERE key = $1 AND status_code = 0`, key)
	return err
}

func (p *PostgresStore) deleteKey(ctx context.Context, key string) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM gifty_idempotency_keys WHERE key = $1`, key)
}
