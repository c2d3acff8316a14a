package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// _schema lays out the durable tables. The cache table carries value
// metadata in columns so the quality floor can be checked without
// deserializing payloads. Job state and tokens live in separate tables
// keyed by job ID.
const _schema = `
CREATE TABLE IF NOT EXISTS cache (
	key      TEXT PRIMARY KEY,
	value    BYTEA NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	quality  INT  NOT NULL DEFAULT 0,
	inserted TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
	job_id  TEXT PRIMARY KEY,
	state   JSONB NOT NULL,
	version BIGINT NOT NULL,
	updated TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS job_tokens (
	job_id  TEXT PRIMARY KEY REFERENCES jobs(job_id) ON DELETE CASCADE,
	token   TEXT NOT NULL,
	expires TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS job_alarms (
	job_id  TEXT PRIMARY KEY REFERENCES jobs(job_id) ON DELETE CASCADE,
	fire_at TIMESTAMPTZ NOT NULL
);
`

// NewDB connects a pool and ensures our schema exists.
func NewDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	if _, err := db.Exec(ctx, _schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return db, nil
}

// kvCache is the durable tier, backed by Postgres. Writes are fail-open:
// a failed INSERT is logged and the read path continues.
type kvCache struct {
	db *pgxpool.Pool
}

var _ metaCache = (*kvCache)(nil)

// NewKVCache creates the durable cache tier on the given pool.
func NewKVCache(db *pgxpool.Pool) *kvCache {
	return &kvCache{db: db}
}

func (k *kvCache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, _, ok := k.GetWithTTL(ctx, key)
	return v, ok
}

func (k *kvCache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	v, _, ttl, ok := k.GetWithMeta(ctx, key)
	return v, ttl, ok
}

func (k *kvCache) GetWithMeta(ctx context.Context, key string) ([]byte, Meta, time.Duration, bool) {
	row := k.db.QueryRow(ctx,
		`SELECT value, provider, quality, inserted, expires FROM cache WHERE key = $1`, key)

	var value []byte
	var meta Meta
	var expires time.Time
	err := row.Scan(&value, &meta.Provider, &meta.Quality, &meta.InsertedAt, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, Meta{}, 0, false
	}
	if err != nil {
		Log(ctx).Warn("kv get failed", "key", key, "err", err)
		return nil, Meta{}, 0, false
	}

	ttl := time.Until(expires)
	if ttl <= 0 {
		return nil, Meta{}, 0, false
	}
	return value, meta, ttl, true
}

func (k *kvCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	k.SetWithMeta(ctx, key, value, ttl, Meta{})
}

func (k *kvCache) SetWithMeta(ctx context.Context, key string, value []byte, ttl time.Duration, meta Meta) {
	_, err := k.db.Exec(ctx, `
		INSERT INTO cache (key, value, provider, quality, expires)
		VALUES ($1, $2, $3, $4, now() + $5)
		ON CONFLICT (key) DO UPDATE
		SET value = $2, provider = $3, quality = $4, inserted = now(), expires = now() + $5`,
		key, value, meta.Provider, meta.Quality, ttl)
	if err != nil {
		// Fail open. A write error must never fail the read that
		// triggered it.
		Log(ctx).Warn("kv set failed", "key", key, "err", err)
	}
}

func (k *kvCache) Delete(ctx context.Context, key string) error {
	_, err := k.db.Exec(ctx, `DELETE FROM cache WHERE key = $1`, key)
	return err
}

func (k *kvCache) Expire(ctx context.Context, key string) error {
	_, err := k.db.Exec(ctx, `UPDATE cache SET expires = now() WHERE key = $1`, key)
	return err
}
