package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cartodb/observatory-cli/internal/catalog"
	"github.com/cartodb/observatory-cli/internal/enrichment"
	"github.com/cartodb/observatory-cli/internal/resilience"
	"github.com/cartodb/observatory-cli/internal/warehouse"
	"github.com/cartodb/observatory-cli/pkg/doapi"
)

// observatoryEnv holds the collaborators shared by the enrich, catalog and
// serve commands.
type observatoryEnv struct {
	Catalog  catalog.Catalog
	Pool     *pgxpool.Pool // nil when the command never touches the warehouse
	Enricher *enrichment.Enricher

	cache *catalog.SQLiteCache
}

// Close releases resources held by the environment.
func (e *observatoryEnv) Close() {
	if e.cache != nil {
		_ = e.cache.Close()
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
}

// initCatalog builds the configured metadata source, wrapped in the SQLite
// cache when catalog.cache_path is set.
func initCatalog(ctx context.Context) (catalog.Catalog, *catalog.SQLiteCache, error) {
	var base catalog.Catalog
	switch cfg.Catalog.Source {
	case "file":
		static, err := catalog.LoadFile(cfg.Catalog.File)
		if err != nil {
			return nil, nil, err
		}
		base = static
	case "api":
		policy := resilience.DefaultPolicy()
		policy.OnRetry = resilience.LogRetries("catalog", "get")
		client := doapi.NewClient(cfg.Catalog.BaseURL, cfg.Catalog.APIKey,
			doapi.WithRateLimit(cfg.Catalog.RateLimit),
			doapi.WithRetryPolicy(policy),
		)
		base = catalog.NewAPI(client)
	default:
		return nil, nil, eris.Errorf("unsupported catalog source: %s", cfg.Catalog.Source)
	}

	if cfg.Catalog.CachePath == "" {
		return base, nil, nil
	}
	cache, err := catalog.NewSQLiteCache(ctx, cfg.Catalog.CachePath, base, cfg.Catalog.CacheTTL())
	if err != nil {
		return nil, nil, err
	}
	return cache, cache, nil
}

// warehousePool creates the PostGIS connection pool.
func warehousePool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := cfg.Warehouse.DatabaseURL
	if dsn == "" {
		return nil, eris.New("warehouse: no database_url configured (set warehouse.database_url)")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: parse connection string")
	}
	poolCfg.MaxConns = 15
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "warehouse: ping database")
	}

	zap.L().Info("connected to warehouse", zap.String("driver", cfg.Warehouse.Driver))
	return pool, nil
}

// enrichmentConfig maps configuration onto the enricher's settings.
func enrichmentConfig() enrichment.Config {
	return enrichment.Config{
		PublicProject:  cfg.Warehouse.PublicProject,
		WorkingProject: cfg.Warehouse.WorkingProject,
		UserDataset:    cfg.Warehouse.UserDataset,
		Platform:       cfg.Catalog.Platform,
		JoinKey:        cfg.Enrichment.JoinKey,
		GeoJSONColumn:  cfg.Enrichment.GeoJSONColumn,
		PollInterval:   cfg.Enrichment.PollInterval(),
		DropTempTable:  cfg.Enrichment.DropTempTable,
	}
}

// initEnv validates configuration for mode and wires the catalog and, unless
// offline, the warehouse. dialectName overrides warehouse.dialect when set.
func initEnv(ctx context.Context, mode, dialectName string, offline bool) (*observatoryEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	cat, cache, err := initCatalog(ctx)
	if err != nil {
		return nil, err
	}
	env := &observatoryEnv{Catalog: cat, cache: cache}

	if mode == "catalog" {
		return env, nil
	}

	if dialectName == "" {
		dialectName = cfg.Warehouse.Dialect
	}
	dialect, err := warehouse.DialectFor(dialectName)
	if err != nil {
		env.Close()
		return nil, err
	}

	var wh warehouse.Warehouse
	if !offline {
		// The only warehouse backend is PostGIS; other dialects are for --dry-run.
		if dialect.Name() != (warehouse.Postgres{}).Name() {
			env.Close()
			return nil, eris.Errorf("warehouse: dialect %s cannot run against %s, use --dry-run to print its SQL", dialect.Name(), cfg.Warehouse.Driver)
		}
		pool, err := warehousePool(ctx)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Pool = pool

		retry := resilience.DefaultPolicy()
		retry.MaxAttempts = cfg.Warehouse.UploadRetries
		wh = warehouse.NewPostGIS(pool, warehouse.WithUploadRetry(retry))
	}

	env.Enricher = enrichment.New(cat, wh, dialect, enrichmentConfig())
	return env, nil
}
