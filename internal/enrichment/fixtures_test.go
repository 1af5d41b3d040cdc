package enrichment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cartodb/observatory-cli/internal/catalog"
	"github.com/cartodb/observatory-cli/internal/frame"
	"github.com/cartodb/observatory-cli/internal/warehouse"
)

const (
	blockgroupDataset = "carto-do.ags.demographics_usa_blockgroup_2019"
	blockgroupGeo     = "carto-do.ags.geography_usa_blockgroup_2019"
	retailDataset     = "carto-do.ags.retail_usa_blockgroup_2019"
	countyDataset     = "carto-do-public-data.usa_acs.demographics_sociodemographics_usa_county_2015_5yrs_20132017"
	countyGeo         = "carto-do-public-data.carto.geography_usa_county_2015"

	popVar     = blockgroupDataset + ".popcy"
	incomeVar  = blockgroupDataset + ".hincymed"
	noAggVar   = blockgroupDataset + ".dwlcy"
	retailVar  = retailDataset + ".rsales"
	countyVar  = countyDataset + ".total_pop"
	hiddenVar  = "carto-do.hidden.unpublished_usa_tract_2019.x"
	hiddenDS   = "carto-do.hidden.unpublished_usa_tract_2019"
	premiumVar = "carto-do.premium.spend_usa_tract_2019.spend"
	premiumDS  = "carto-do.premium.spend_usa_tract_2019"
	tractGeo   = "carto-do.hidden.geography_usa_tract_2019"
)

func testSnapshot() catalog.Snapshot {
	bq := []string{catalog.PlatformBigQuery}
	return catalog.Snapshot{
		Variables: []catalog.Variable{
			{ID: popVar, Slug: "popcy_4c5a", ColumnName: "popcy", DBType: "INTEGER", DatasetID: blockgroupDataset, AggMethod: "SUM"},
			{ID: incomeVar, Slug: "hincymed_9b1e", ColumnName: "hincymed", DBType: "FLOAT", DatasetID: blockgroupDataset, AggMethod: "AVG"},
			{ID: noAggVar, Slug: "dwlcy_11aa", ColumnName: "dwlcy", DBType: "INTEGER", DatasetID: blockgroupDataset},
			{ID: retailVar, Slug: "rsales_77c0", ColumnName: "rsales", DBType: "FLOAT", DatasetID: retailDataset, AggMethod: "SUM"},
			{ID: countyVar, Slug: "total_pop_3e2f", ColumnName: "total_pop", DBType: "FLOAT", DatasetID: countyDataset, AggMethod: "SUM"},
			{ID: hiddenVar, ColumnName: "x", DatasetID: hiddenDS, AggMethod: "SUM"},
			{ID: premiumVar, ColumnName: "spend", DatasetID: premiumDS, AggMethod: "SUM"},
		},
		Datasets: []catalog.Dataset{
			{ID: blockgroupDataset, GeographyID: blockgroupGeo, AvailableIn: bq},
			{ID: retailDataset, GeographyID: blockgroupGeo, AvailableIn: bq},
			{ID: countyDataset, GeographyID: countyGeo, IsPublicData: true, AvailableIn: bq},
			{ID: hiddenDS, GeographyID: tractGeo},
			{ID: premiumDS, GeographyID: tractGeo, AvailableIn: bq},
		},
		Geographies: []catalog.Geography{
			{ID: blockgroupGeo, AvailableIn: bq},
			{ID: countyGeo, IsPublicData: true, AvailableIn: bq},
			{ID: tractGeo, AvailableIn: bq},
		},
		Subscriptions: catalog.Subscriptions{
			Datasets:    []string{blockgroupDataset, retailDataset},
			Geographies: []string{blockgroupGeo, tractGeo},
		},
	}
}

func testCatalog() *catalog.Static { return catalog.NewStatic(testSnapshot()) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.UserDataset = "user_ds"
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func newTestEnricher(wh warehouse.Warehouse, dialect warehouse.Dialect) *Enricher {
	e := New(testCatalog(), wh, dialect, testConfig())
	e.tableName = func() string { return "temp_0001" }
	return e
}

type upload struct {
	table  warehouse.TableRef
	schema []warehouse.Column
	rows   [][]any
}

// fakeWarehouse answers each query with respond, finishing the job on its
// own goroutine.
type fakeWarehouse struct {
	respond   func(sql string) (*frame.Frame, error)
	uploadErr error

	mu      sync.Mutex
	uploads []upload
	queries []string
	dropped []warehouse.TableRef
}

func (w *fakeWarehouse) Upload(_ context.Context, table warehouse.TableRef, schema []warehouse.Column, rows [][]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.uploads = append(w.uploads, upload{table: table, schema: schema, rows: rows})
	return w.uploadErr
}

func (w *fakeWarehouse) RunQueryAsync(_ context.Context, sql string) warehouse.Job {
	w.mu.Lock()
	w.queries = append(w.queries, sql)
	job := warehouse.NewJob(fmt.Sprintf("job_%d", len(w.queries)))
	w.mu.Unlock()

	go func() {
		res, err := w.respond(sql)
		job.Finish(res, err)
	}()
	return job
}

func (w *fakeWarehouse) DropTable(_ context.Context, table warehouse.TableRef) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropped = append(w.dropped, table)
	return nil
}

func isBlockgroupQuery(sql string) bool {
	return strings.Contains(sql, "view_ags_demographics_usa_blockgroup_2019")
}

func pointsFrame() *frame.Frame {
	return frame.New([]string{"name", "geometry"},
		frame.Row{"name": "a", "geometry": "POINT (-73.99 40.73)"},
		frame.Row{"name": "b", "geometry": `{"type":"Point","coordinates":[-74.01,40.71]}`},
		frame.Row{"name": "c", "geometry": "POINT (-73.95 40.78)"},
	)
}
