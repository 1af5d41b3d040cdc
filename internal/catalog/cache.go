package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteCache is a read-through metadata cache in front of another Catalog.
// Subscriptions are always answered by the wrapped catalog.
type SQLiteCache struct {
	db   *sql.DB
	next Catalog
	ttl  time.Duration
	now  func() time.Time
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS catalog_entities (
	kind       TEXT NOT NULL,
	key        TEXT NOT NULL,
	body       TEXT NOT NULL,
	fetched_at INTEGER NOT NULL,
	PRIMARY KEY (kind, key)
);
`

// NewSQLiteCache opens (and migrates) the cache database at dsn.
// A ttl of zero keeps entries forever.
func NewSQLiteCache(ctx context.Context, dsn string, next Catalog, ttl time.Duration) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "catalog cache: open")
	}
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		cacheSchema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "catalog cache: exec %s", stmt)
		}
	}
	return &SQLiteCache{db: db, next: next, ttl: ttl, now: time.Now}, nil
}

// Close closes the cache database.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

func (c *SQLiteCache) Variable(ctx context.Context, idOrSlug string) (*Variable, error) {
	return cached(ctx, c, KindVariable, idOrSlug, func(v *Variable) []string {
		return []string{v.ID, v.Slug}
	}, c.next.Variable)
}

func (c *SQLiteCache) Dataset(ctx context.Context, id string) (*Dataset, error) {
	return cached(ctx, c, KindDataset, id, func(d *Dataset) []string {
		return []string{d.ID, d.Slug}
	}, c.next.Dataset)
}

func (c *SQLiteCache) Geography(ctx context.Context, id string) (*Geography, error) {
	return cached(ctx, c, KindGeography, id, func(g *Geography) []string {
		return []string{g.ID, g.Slug}
	}, c.next.Geography)
}

func (c *SQLiteCache) IsSubscribed(ctx context.Context, kind Kind, id string) (bool, error) {
	return c.next.IsSubscribed(ctx, kind, id)
}

// Purge drops every cached entry.
func (c *SQLiteCache) Purge(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM catalog_entities`)
	return eris.Wrap(err, "catalog cache: purge")
}

func cached[T any](
	ctx context.Context,
	c *SQLiteCache,
	kind Kind,
	key string,
	aliases func(*T) []string,
	fetch func(context.Context, string) (*T, error),
) (*T, error) {
	hit, err := lookup[T](ctx, c, kind, key)
	if err != nil {
		zap.L().Warn("catalog cache: read failed", zap.String("kind", string(kind)), zap.String("key", key), zap.Error(err))
	}
	if hit != nil {
		return hit, nil
	}

	v, err := fetch(ctx, key)
	if err != nil {
		return nil, err
	}

	keys := append([]string{key}, aliases(v)...)
	if err := c.store(ctx, kind, keys, v); err != nil {
		zap.L().Warn("catalog cache: write failed", zap.String("kind", string(kind)), zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

func lookup[T any](ctx context.Context, c *SQLiteCache, kind Kind, key string) (*T, error) {
	var body string
	var fetchedAt int64
	err := c.db.QueryRowContext(ctx,
		`SELECT body, fetched_at FROM catalog_entities WHERE kind = ? AND key = ?`,
		string(kind), key,
	).Scan(&body, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "catalog cache: select")
	}

	if c.ttl > 0 && c.now().Sub(time.Unix(fetchedAt, 0)) > c.ttl {
		return nil, nil
	}

	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, eris.Wrap(err, "catalog cache: decode")
	}
	return &v, nil
}

func (c *SQLiteCache) store(ctx context.Context, kind Kind, keys []string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "catalog cache: encode")
	}
	now := c.now().Unix()
	for _, k := range keys {
		if k == "" {
			continue
		}
		_, err := c.db.ExecContext(ctx,
			`INSERT INTO catalog_entities (kind, key, body, fetched_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (kind, key) DO UPDATE SET body = excluded.body, fetched_at = excluded.fetched_at`,
			string(kind), k, string(body), now,
		)
		if err != nil {
			return eris.Wrap(err, "catalog cache: upsert")
		}
	}
	return nil
}
