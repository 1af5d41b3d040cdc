// Package enrichment appends Data Observatory variables to a user's points
// or polygons by spatially joining them with catalog tables in a warehouse.
package enrichment

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cartodb/observatory-cli/internal/catalog"
	"github.com/cartodb/observatory-cli/internal/frame"
	"github.com/cartodb/observatory-cli/internal/warehouse"
)

// Default column names.
const (
	DefaultJoinKey        = "enrichment_id"
	DefaultGeoJSONColumn  = "__geojson_geom"
	DefaultGeometryColumn = "geometry"
)

// Config holds the warehouse layout and execution settings of an Enricher.
type Config struct {
	PublicProject  string
	WorkingProject string
	// UserDataset is the caller's private dataset. It holds the customer
	// views of premium tables and the uploaded temporary tables.
	UserDataset   string
	Platform      string
	JoinKey       string
	GeoJSONColumn string
	PollInterval  time.Duration
	DropTempTable bool
}

// DefaultConfig returns the hosted catalog layout.
func DefaultConfig() Config {
	return Config{
		PublicProject:  DefaultPublicProject,
		WorkingProject: DefaultWorkingProject,
		Platform:       catalog.PlatformBigQuery,
		JoinKey:        DefaultJoinKey,
		GeoJSONColumn:  DefaultGeoJSONColumn,
		PollInterval:   500 * time.Millisecond,
		DropTempTable:  true,
	}
}

// Enricher runs point and polygon enrichments.
type Enricher struct {
	cfg      Config
	resolver *Resolver
	grouper  Grouper
	builder  QueryBuilder
	executor *Executor

	tableName func() string
}

// New wires an Enricher over a catalog and a warehouse speaking dialect.
func New(cat catalog.Catalog, wh warehouse.Warehouse, dialect warehouse.Dialect, cfg Config) *Enricher {
	d := DefaultConfig()
	if cfg.PublicProject == "" {
		cfg.PublicProject = d.PublicProject
	}
	if cfg.WorkingProject == "" {
		cfg.WorkingProject = d.WorkingProject
	}
	if cfg.JoinKey == "" {
		cfg.JoinKey = d.JoinKey
	}
	if cfg.GeoJSONColumn == "" {
		cfg.GeoJSONColumn = d.GeoJSONColumn
	}

	return &Enricher{
		cfg:      cfg,
		resolver: NewResolver(cat, cfg.Platform),
		grouper: Grouper{
			PublicProject:  cfg.PublicProject,
			WorkingProject: cfg.WorkingProject,
			UserDataset:    cfg.UserDataset,
		},
		builder: QueryBuilder{
			Dialect:    dialect,
			JoinKey:    cfg.JoinKey,
			GeomColumn: cfg.GeoJSONColumn,
		},
		executor:  NewExecutor(wh, cfg.JoinKey, cfg.GeoJSONColumn, cfg.PollInterval, cfg.DropTempTable),
		tableName: tempTableName,
	}
}

func tempTableName() string {
	return "temp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Option adjusts one enrichment call.
type Option func(*options)

type options struct {
	geometryColumn string
	filters        []VariableFilter
	aggregation    Aggregation
}

// WithGeometryColumn names the input geometry column. Default "geometry".
func WithGeometryColumn(col string) Option {
	return func(o *options) { o.geometryColumn = col }
}

// WithFilters restricts the catalog rows joined. Filters are ANDed.
func WithFilters(filters ...VariableFilter) Option {
	return func(o *options) { o.filters = append(o.filters, filters...) }
}

// WithAggregation sets the polygon aggregation policy. Ignored for points.
func WithAggregation(a Aggregation) Option {
	return func(o *options) { o.aggregation = a }
}

func buildOptions(opts []Option) options {
	o := options{geometryColumn: DefaultGeometryColumn, aggregation: DefaultAggregation()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

type mode int

const (
	modePoints mode = iota
	modePolygons
)

func (m mode) String() string {
	if m == modePolygons {
		return "polygons"
	}
	return "points"
}

// Plan is the validated work of one enrichment call.
type Plan struct {
	Table   warehouse.TableRef
	Groups  []*TableGroup
	Queries []string
}

// EnrichPoints appends the variables of the geography containing each
// point. A point inside several overlapping geographies yields one row per
// geography. Cancelling ctx stops the wait for results; queries already
// submitted keep running in the warehouse.
func (e *Enricher) EnrichPoints(ctx context.Context, data *frame.Frame, variables []VariableRef, opts ...Option) (*frame.Frame, error) {
	return e.enrich(ctx, modePoints, data, variables, buildOptions(opts))
}

// EnrichPolygons appends the variables of every geography intersecting each
// polygon, aggregated per polygon unless the aggregation is none. As with
// EnrichPoints, cancelling ctx does not cancel submitted queries.
func (e *Enricher) EnrichPolygons(ctx context.Context, data *frame.Frame, variables []VariableRef, opts ...Option) (*frame.Frame, error) {
	return e.enrich(ctx, modePolygons, data, variables, buildOptions(opts))
}

// PlanPoints resolves, validates and renders the point queries without
// touching the warehouse.
func (e *Enricher) PlanPoints(ctx context.Context, variables []VariableRef, opts ...Option) (*Plan, error) {
	return e.plan(ctx, modePoints, variables, buildOptions(opts))
}

// PlanPolygons is PlanPoints for polygon enrichment.
func (e *Enricher) PlanPolygons(ctx context.Context, variables []VariableRef, opts ...Option) (*Plan, error) {
	return e.plan(ctx, modePolygons, variables, buildOptions(opts))
}

func (e *Enricher) enrich(ctx context.Context, m mode, data *frame.Frame, variables []VariableRef, o options) (*frame.Frame, error) {
	plan, err := e.plan(ctx, m, variables, o)
	if err != nil {
		return nil, err
	}

	prepared, err := e.executor.Prepare(data, o.geometryColumn, plan.Table)
	if err != nil {
		return nil, err
	}

	zap.L().Info("enrichment: starting",
		zap.Stringer("mode", m),
		zap.Int("rows", data.Len()),
		zap.Int("queries", len(plan.Queries)),
		zap.String("table", plan.Table.String()),
	)
	out, err := e.executor.Execute(ctx, prepared, plan.Queries)
	if err != nil {
		return nil, err
	}
	zap.L().Info("enrichment: finished", zap.Stringer("mode", m), zap.Int("rows", out.Len()))
	return out, nil
}

func (e *Enricher) plan(ctx context.Context, m mode, variables []VariableRef, o options) (*Plan, error) {
	if len(variables) == 0 {
		return nil, eris.Wrap(ErrInvalidVariable, "no variables requested")
	}

	var agg *Aggregation
	if m == modePolygons {
		agg = &o.aggregation
	}
	descs, err := e.resolver.Resolve(ctx, variables, agg)
	if err != nil {
		return nil, err
	}
	if len(descs) == 0 {
		return nil, eris.Wrap(ErrInvalidVariable, "no variable left to enrich with")
	}

	conds, err := e.resolver.Conditions(ctx, o.filters)
	if err != nil {
		return nil, err
	}

	groups, err := e.grouper.Group(descs)
	if err != nil {
		return nil, err
	}

	table := warehouse.TableRef{
		Project: e.cfg.WorkingProject,
		Dataset: e.cfg.UserDataset,
		Table:   e.tableName(),
	}
	var queries []string
	if m == modePolygons {
		queries = e.builder.BuildPolygonQueries(table, groups, conds, o.aggregation)
	} else {
		queries = e.builder.BuildPointQueries(table, groups, conds)
	}
	return &Plan{Table: table, Groups: groups, Queries: queries}, nil
}
