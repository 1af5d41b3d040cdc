package warehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cartodb/observatory-cli/internal/db"
	"github.com/cartodb/observatory-cli/internal/frame"
	"github.com/cartodb/observatory-cli/internal/geometry"
	"github.com/cartodb/observatory-cli/internal/resilience"
)

// PostGIS runs enrichment on a PostgreSQL database with the PostGIS
// extension. Catalog tables are addressed as schema.table; the project part
// of a TableRef is ignored.
type PostGIS struct {
	pool    db.Pool
	dialect Postgres
	retry   resilience.Policy
}

// PostGISOption configures a PostGIS warehouse.
type PostGISOption func(*PostGIS)

// WithUploadRetry sets the retry policy for upload DDL statements.
func WithUploadRetry(p resilience.Policy) PostGISOption {
	return func(w *PostGIS) { w.retry = p }
}

// NewPostGIS wraps a connection pool.
func NewPostGIS(pool db.Pool, opts ...PostGISOption) *PostGIS {
	w := &PostGIS{pool: pool, retry: resilience.DefaultPolicy()}
	for _, o := range opts {
		o(w)
	}
	if w.retry.OnRetry == nil {
		w.retry.OnRetry = resilience.LogRetries("warehouse", "upload")
	}
	return w
}

// Upload stages geography columns as GeoJSON text, loads the rows over COPY
// and converts the staged text to geometry(Geometry, 4326) in place.
func (w *PostGIS) Upload(ctx context.Context, table TableRef, schema []Column, rows [][]any) error {
	if len(schema) == 0 {
		return eris.Errorf("warehouse: upload %s with empty schema", table)
	}
	name := w.dialect.Table(table)

	if table.Dataset != "" {
		stmt := "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{table.Dataset}.Sanitize()
		if err := w.exec(ctx, stmt); err != nil {
			return err
		}
	}

	defs := make([]string, len(schema))
	names := make([]string, len(schema))
	for i, c := range schema {
		typ, err := stagingType(c.Type)
		if err != nil {
			return err
		}
		defs[i] = pgx.Identifier{c.Name}.Sanitize() + " " + typ
		names[i] = c.Name
	}
	if err := w.exec(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", name, strings.Join(defs, ", "))); err != nil {
		return err
	}

	n, err := db.CopyFrom(ctx, w.pool, table.Dataset, table.Table, names, rows)
	if err != nil {
		return eris.Wrapf(err, "warehouse: upload %s", table)
	}

	for _, c := range schema {
		if c.Type != Geography {
			continue
		}
		col := pgx.Identifier{c.Name}.Sanitize()
		stmt := fmt.Sprintf(
			"ALTER TABLE %s ALTER COLUMN %s TYPE geometry(Geometry, %d) USING ST_SetSRID(ST_GeomFromGeoJSON(%s), %d)",
			name, col, geometry.SRID, col, geometry.SRID,
		)
		if err := w.exec(ctx, stmt); err != nil {
			return err
		}
	}

	zap.L().Debug("warehouse: uploaded table",
		zap.String("table", table.String()),
		zap.Int64("rows", n),
	)
	return nil
}

func (w *PostGIS) exec(ctx context.Context, stmt string) error {
	err := resilience.Do(ctx, w.retry, func(ctx context.Context) error {
		_, err := w.pool.Exec(ctx, stmt)
		return err
	})
	return eris.Wrapf(err, "warehouse: exec %s", firstWords(stmt, 3))
}

func stagingType(t ColumnType) (string, error) {
	switch t {
	case Integer:
		return "bigint", nil
	case Float:
		return "double precision", nil
	case String, Geography:
		return "text", nil
	default:
		return "", eris.Errorf("warehouse: unsupported column type %q", t)
	}
}

// RunQueryAsync runs sql on its own goroutine and returns its job at once.
func (w *PostGIS) RunQueryAsync(ctx context.Context, sql string) Job {
	job := NewJob("pg_" + strings.ReplaceAll(uuid.NewString(), "-", ""))
	go func() {
		res, err := w.query(ctx, sql)
		if err != nil {
			zap.L().Debug("warehouse: job failed", zap.String("job", job.ID()), zap.Error(err))
			job.Finish(nil, err)
			return
		}
		job.Finish(res)
	}()
	return job
}

func (w *PostGIS) query(ctx context.Context, sql string) (*frame.Frame, error) {
	rows, err := w.pool.Query(ctx, sql)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: query")
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	out := frame.New(columns)
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, eris.Wrap(err, "warehouse: read row")
		}
		r := make(frame.Row, len(columns))
		for i, c := range columns {
			r[c] = plainValue(vals[i])
		}
		out.Append(r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "warehouse: iterate rows")
	}
	return out, nil
}

// plainValue turns driver-specific values into the Go scalars the writers
// understand. Numerics become int64 when integral and float64 otherwise;
// NaN, infinities and NULL become nil.
func plainValue(v any) any {
	n, ok := v.(pgtype.Numeric)
	if !ok {
		return v
	}
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite {
		return nil
	}
	if n.Exp >= 0 {
		if i, err := n.Int64Value(); err == nil && i.Valid {
			return i.Int64
		}
	}
	f, err := n.Float64Value()
	if err != nil || !f.Valid {
		return nil
	}
	return f.Float64
}

func (w *PostGIS) DropTable(ctx context.Context, table TableRef) error {
	_, err := w.pool.Exec(ctx, "DROP TABLE IF EXISTS "+w.dialect.Table(table))
	return eris.Wrapf(err, "warehouse: drop %s", table)
}

func firstWords(s string, n int) string {
	f := strings.Fields(s)
	if len(f) > n {
		f = f[:n]
	}
	return strings.Join(f, " ")
}
