package enrichment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartodb/observatory-cli/internal/catalog"
	"github.com/cartodb/observatory-cli/internal/frame"
	"github.com/cartodb/observatory-cli/internal/warehouse"
)

func TestEnrichPoints_MergesEveryGroup(t *testing.T) {
	wh := &fakeWarehouse{respond: func(sql string) (*frame.Frame, error) {
		if isBlockgroupQuery(sql) {
			return frame.New([]string{"enrichment_id", "popcy", "area"},
				frame.Row{"enrichment_id": int64(0), "popcy": int64(1200), "area": 10.0},
				frame.Row{"enrichment_id": int64(2), "popcy": int64(800), "area": 12.0},
			), nil
		}
		return frame.New([]string{"enrichment_id", "total_pop", "area"},
			frame.Row{"enrichment_id": int64(0), "total_pop": 1.5e6, "area": 900.0},
			frame.Row{"enrichment_id": int64(1), "total_pop": 2.5e6, "area": 950.0},
			frame.Row{"enrichment_id": int64(2), "total_pop": 1.5e6, "area": 900.0},
		), nil
	}}
	e := newTestEnricher(wh, warehouse.BigQuery{})
	input := pointsFrame()

	out, err := e.EnrichPoints(context.Background(), input, []VariableRef{ByID(popVar), ByID(countyVar)})
	require.NoError(t, err)

	require.Len(t, wh.uploads, 1)
	up := wh.uploads[0]
	assert.Equal(t, warehouse.TableRef{Project: DefaultWorkingProject, Dataset: "user_ds", Table: "temp_0001"}, up.table)
	assert.Equal(t, []warehouse.Column{
		{Name: "enrichment_id", Type: warehouse.Integer},
		{Name: "__geojson_geom", Type: warehouse.Geography},
	}, up.schema)
	require.Len(t, up.rows, 3)
	assert.Equal(t, 1, up.rows[1][0])
	assert.JSONEq(t, `{"type":"Point","coordinates":[-74.01,40.71]}`, up.rows[1][1].(string))

	assert.Len(t, wh.queries, 2)
	assert.Equal(t, []warehouse.TableRef{up.table}, wh.dropped)

	require.Equal(t, 3, out.Len())
	assert.False(t, out.HasColumn("enrichment_id"))
	assert.False(t, out.HasColumn("__geojson_geom"))
	assert.True(t, out.HasColumn("popcy"))
	assert.True(t, out.HasColumn("total_pop"))
	assert.True(t, out.HasColumn("area"))
	assert.True(t, out.HasColumn("area_1"), "second group's area column must not overwrite the first")

	for i, name := range []string{"a", "b", "c"} {
		assert.Equal(t, name, out.Value(i, "name"))
		assert.Equal(t, input.Value(i, "geometry"), out.Value(i, "geometry"))
	}
	assert.Equal(t, int64(1200), out.Value(0, "popcy"))
	assert.Nil(t, out.Value(1, "popcy"), "unmatched rows keep nulls")
	assert.Equal(t, 2.5e6, out.Value(1, "total_pop"))

	assert.False(t, input.HasColumn("enrichment_id"), "input frame is not modified")
}

func TestEnrichPoints_MergeOrderIndependentOfCompletion(t *testing.T) {
	run := func(t *testing.T, slowBlockgroup bool) *frame.Frame {
		wh := &fakeWarehouse{respond: func(sql string) (*frame.Frame, error) {
			blockgroup := isBlockgroupQuery(sql)
			if blockgroup == slowBlockgroup {
				time.Sleep(50 * time.Millisecond)
			}
			if blockgroup {
				return frame.New([]string{"enrichment_id", "popcy", "area"},
					frame.Row{"enrichment_id": int64(0), "popcy": int64(1200), "area": 10.0},
				), nil
			}
			return frame.New([]string{"enrichment_id", "total_pop", "area"},
				frame.Row{"enrichment_id": int64(0), "total_pop": 1.5e6, "area": 900.0},
			), nil
		}}
		e := newTestEnricher(wh, warehouse.BigQuery{})
		out, err := e.EnrichPoints(context.Background(), pointsFrame(), []VariableRef{ByID(popVar), ByID(countyVar)})
		require.NoError(t, err)
		return out
	}

	for _, slowBlockgroup := range []bool{true, false} {
		out := run(t, slowBlockgroup)
		assert.Equal(t, []string{"name", "geometry", "popcy", "area", "total_pop", "area_1"}, out.Columns(),
			"slow blockgroup job: %v", slowBlockgroup)
		assert.Equal(t, 10.0, out.Value(0, "area"), "first group's area lands in area")
		assert.Equal(t, 900.0, out.Value(0, "area_1"))
	}
}

func TestEnrichPoints_OverlappingGeographiesFanOut(t *testing.T) {
	wh := &fakeWarehouse{respond: func(string) (*frame.Frame, error) {
		return frame.New([]string{"enrichment_id", "popcy"},
			frame.Row{"enrichment_id": int64(0), "popcy": int64(1)},
			frame.Row{"enrichment_id": int64(0), "popcy": int64(2)},
			frame.Row{"enrichment_id": int64(1), "popcy": int64(3)},
		), nil
	}}
	e := newTestEnricher(wh, warehouse.BigQuery{})

	out, err := e.EnrichPoints(context.Background(), pointsFrame(), []VariableRef{ByID(popVar)})
	require.NoError(t, err)
	require.Equal(t, 4, out.Len())
	assert.Equal(t, []any{"a", "a", "b", "c"}, out.Column("name"))
	assert.Equal(t, []any{int64(1), int64(2), int64(3), nil}, out.Column("popcy"))
}

func TestEnrichPolygons_OneJobFails(t *testing.T) {
	wh := &fakeWarehouse{respond: func(sql string) (*frame.Frame, error) {
		if isBlockgroupQuery(sql) {
			return frame.New([]string{"enrichment_id", "sum_popcy"},
				frame.Row{"enrichment_id": int64(0), "sum_popcy": 10.0},
			), nil
		}
		return nil, errors.New(`Syntax error: Unexpected keyword WHERE at [5:1]`)
	}}
	e := newTestEnricher(wh, warehouse.BigQuery{})
	polys := frame.New([]string{"geometry"},
		frame.Row{"geometry": "POLYGON ((0 0, 1 0, 1 1, 0 1, 0 0))"},
	)

	_, err := e.EnrichPolygons(context.Background(), polys, []VariableRef{ByID(popVar), ByID(countyVar)})
	require.Error(t, err)

	var jobErr *WarehouseJobError
	require.True(t, errors.As(err, &jobErr))
	assert.Equal(t, 2, jobErr.Total)
	require.Len(t, jobErr.Failures, 1)
	assert.Contains(t, err.Error(), "Unexpected keyword WHERE")
	assert.Len(t, wh.queries, 2)
	assert.Len(t, wh.dropped, 1, "temporary table is dropped even on failure")
}

func TestEnrichPolygons_AllJobsFailReportsEveryError(t *testing.T) {
	wh := &fakeWarehouse{respond: func(sql string) (*frame.Frame, error) {
		if isBlockgroupQuery(sql) {
			return nil, errors.New("access denied on view_ags")
		}
		return nil, errors.New("quota exceeded")
	}}
	e := newTestEnricher(wh, warehouse.BigQuery{})
	polys := frame.New([]string{"geom"}, frame.Row{"geom": "POLYGON ((0 0, 1 0, 1 1, 0 1, 0 0))"})

	_, err := e.EnrichPolygons(context.Background(), polys, []VariableRef{ByID(popVar), ByID(countyVar)},
		WithGeometryColumn("geom"), WithAggregation(NoAggregation()))
	var jobErr *WarehouseJobError
	require.True(t, errors.As(err, &jobErr))
	assert.Len(t, jobErr.Failures, 2)
	assert.Contains(t, err.Error(), "access denied on view_ags")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestEnrich_PreconditionsFailBeforeUpload(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		data  *frame.Frame
		vars  []VariableRef
		opts  []Option
		check func(t *testing.T, err error)
	}{
		{
			name: "missing geometry column",
			data: frame.New([]string{"name"}, frame.Row{"name": "a"}),
			vars: []VariableRef{ByID(popVar)},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrInvalidGeometry)
			},
		},
		{
			name: "unparseable geometry",
			data: frame.New([]string{"geometry"}, frame.Row{"geometry": "not a geometry"}),
			vars: []VariableRef{ByID(popVar)},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrInvalidGeometry)
			},
		},
		{
			name: "only empty geometries",
			data: frame.New([]string{"geometry"}, frame.Row{"geometry": nil}, frame.Row{"geometry": ""}),
			vars: []VariableRef{ByID(popVar)},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrInvalidGeometry)
			},
		},
		{
			name: "unknown variable",
			data: pointsFrame(),
			vars: []VariableRef{ByID("nope")},
			check: func(t *testing.T, err error) {
				var nf *catalog.NotFoundError
				assert.True(t, errors.As(err, &nf))
			},
		},
		{
			name: "unavailable dataset",
			data: pointsFrame(),
			vars: []VariableRef{ByID(hiddenVar)},
			check: func(t *testing.T, err error) {
				var cfgErr *ConfigurationError
				assert.True(t, errors.As(err, &cfgErr))
			},
		},
		{
			name: "missing subscription",
			data: pointsFrame(),
			vars: []VariableRef{ByID(premiumVar)},
			check: func(t *testing.T, err error) {
				var subErr *SubscriptionRequiredError
				assert.True(t, errors.As(err, &subErr))
			},
		},
		{
			name: "unknown filter variable",
			data: pointsFrame(),
			vars: []VariableRef{ByID(popVar)},
			opts: []Option{WithFilters(VariableFilter{Variable: ByID("nope"), Query: "> 1"})},
			check: func(t *testing.T, err error) {
				var nf *catalog.NotFoundError
				assert.True(t, errors.As(err, &nf))
			},
		},
		{
			name: "no variables",
			data: pointsFrame(),
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrInvalidVariable)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wh := &fakeWarehouse{respond: func(string) (*frame.Frame, error) { return nil, nil }}
			e := newTestEnricher(wh, warehouse.BigQuery{})
			_, err := e.EnrichPoints(ctx, tt.data, tt.vars, tt.opts...)
			require.Error(t, err)
			tt.check(t, err)
			assert.Empty(t, wh.uploads)
			assert.Empty(t, wh.queries)
			assert.Empty(t, wh.dropped)
		})
	}
}

func TestEnrichPolygons_AllVariablesDropped(t *testing.T) {
	wh := &fakeWarehouse{}
	e := newTestEnricher(wh, warehouse.BigQuery{})
	polys := frame.New([]string{"geometry"}, frame.Row{"geometry": "POLYGON ((0 0, 1 0, 1 1, 0 1, 0 0))"})

	_, err := e.EnrichPolygons(context.Background(), polys, []VariableRef{ByID(noAggVar)})
	assert.ErrorIs(t, err, ErrInvalidVariable)
	assert.Empty(t, wh.uploads)
}

func TestExecute_UploadFailure(t *testing.T) {
	wh := &fakeWarehouse{uploadErr: errors.New("permission denied")}
	ex := NewExecutor(wh, DefaultJoinKey, DefaultGeoJSONColumn, 0, true)

	p, err := ex.Prepare(pointsFrame(), "geometry", warehouse.TableRef{Table: "temp_x"})
	require.NoError(t, err)
	_, err = ex.Execute(context.Background(), p, []string{"SELECT 1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Empty(t, wh.queries)
	assert.Len(t, wh.dropped, 1)
}

func TestExecute_KeepsTempTableWhenConfigured(t *testing.T) {
	wh := &fakeWarehouse{respond: func(string) (*frame.Frame, error) {
		return frame.New([]string{"enrichment_id", "v"}, frame.Row{"enrichment_id": 0, "v": 1}), nil
	}}
	ex := NewExecutor(wh, DefaultJoinKey, DefaultGeoJSONColumn, 0, false)

	p, err := ex.Prepare(pointsFrame(), "geometry", warehouse.TableRef{Table: "temp_x"})
	require.NoError(t, err)
	out, err := ex.Execute(context.Background(), p, []string{"SELECT 1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "geometry", "v"}, out.Columns())
	assert.Empty(t, wh.dropped)
}

func TestExecute_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	wh := &fakeWarehouse{respond: func(string) (*frame.Frame, error) {
		<-block
		return nil, nil
	}}
	ex := NewExecutor(wh, DefaultJoinKey, DefaultGeoJSONColumn, 0, false)
	p, err := ex.Prepare(pointsFrame(), "geometry", warehouse.TableRef{Table: "temp_x"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ex.Execute(ctx, p, []string{"SELECT 1"})
	assert.ErrorIs(t, err, context.Canceled)
}
