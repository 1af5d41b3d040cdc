package enrichment

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cartodb/observatory-cli/internal/frame"
	"github.com/cartodb/observatory-cli/internal/geometry"
	"github.com/cartodb/observatory-cli/internal/warehouse"
)

// State is a step of one enrichment execution.
type State string

// Execution states. DONE and FAILED are terminal.
const (
	StatePreparing State = "PREPARING"
	StateUploading State = "UPLOADING"
	StateQuerying  State = "QUERYING"
	StateMerging   State = "MERGING"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

// Executor uploads a prepared user table, runs the enrichment queries
// concurrently and merges their results back by join key.
type Executor struct {
	warehouse     warehouse.Warehouse
	joinKey       string
	geojsonColumn string
	pollInterval  time.Duration
	dropTempTable bool
}

// NewExecutor returns an executor writing the join key and the serialized
// geometry into the named columns.
func NewExecutor(wh warehouse.Warehouse, joinKey, geojsonColumn string, pollInterval time.Duration, dropTempTable bool) *Executor {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Executor{
		warehouse:     wh,
		joinKey:       joinKey,
		geojsonColumn: geojsonColumn,
		pollInterval:  pollInterval,
		dropTempTable: dropTempTable,
	}
}

// Prepared is a user table ready for upload.
type Prepared struct {
	Table warehouse.TableRef
	data  *frame.Frame
	rows  [][]any
}

// Prepare validates the geometry column and returns a copy of data carrying
// the join key (row order, starting at 0) and the GeoJSON geometry column.
// Nothing is sent to the warehouse.
func (e *Executor) Prepare(data *frame.Frame, geometryColumn string, table warehouse.TableRef) (*Prepared, error) {
	e.transition(table, StatePreparing)
	if data == nil || !data.HasColumn(geometryColumn) {
		return nil, eris.Wrapf(ErrInvalidGeometry, "column %q not found", geometryColumn)
	}

	n := data.Len()
	keys := make([]any, n)
	encoded := make([]any, n)
	rows := make([][]any, n)
	valid := 0
	for i := range n {
		g, err := geometry.Decode(data.Value(i, geometryColumn))
		if err != nil {
			return nil, eris.Wrapf(ErrInvalidGeometry, "row %d: %v", i, err)
		}
		var gj any
		if g != nil {
			s, err := geometry.EncodeGeoJSON(g)
			if err != nil {
				return nil, eris.Wrapf(ErrInvalidGeometry, "row %d: %v", i, err)
			}
			gj = s
			valid++
		}
		keys[i] = i
		encoded[i] = gj
		rows[i] = []any{i, gj}
	}
	if valid == 0 {
		return nil, eris.Wrapf(ErrInvalidGeometry, "column %q has no geometries", geometryColumn)
	}

	out := data.Copy()
	if err := out.SetColumn(e.joinKey, keys); err != nil {
		return nil, err
	}
	if err := out.SetColumn(e.geojsonColumn, encoded); err != nil {
		return nil, err
	}
	return &Prepared{Table: table, data: out, rows: rows}, nil
}

// Schema is the column layout of the uploaded user table.
func (e *Executor) Schema() []warehouse.Column {
	return []warehouse.Column{
		{Name: e.joinKey, Type: warehouse.Integer},
		{Name: e.geojsonColumn, Type: warehouse.Geography},
	}
}

// Execute uploads p, runs every query and merges the results onto p's data
// in query order. If any job fails, all failures are returned together once
// every job is terminal. Jobs are never retried. When ctx ends first, Execute
// returns without waiting; submitted jobs keep running in the warehouse.
func (e *Executor) Execute(ctx context.Context, p *Prepared, queries []string) (*frame.Frame, error) {
	e.transition(p.Table, StateUploading)
	if e.dropTempTable {
		// Deferred so the table outlives the wait below.
		defer e.cleanup(ctx, p.Table)
	}
	if err := e.warehouse.Upload(ctx, p.Table, e.Schema(), p.rows); err != nil {
		e.transition(p.Table, StateFailed)
		return nil, eris.Wrap(err, "enrichment: upload data")
	}

	e.transition(p.Table, StateQuerying)
	type finished struct {
		index int
		job   warehouse.Job
	}
	completed := make(chan finished, len(queries))
	for i, q := range queries {
		job := e.warehouse.RunQueryAsync(ctx, q)
		job.OnDone(func(j warehouse.Job) { completed <- finished{index: i, job: j} })
	}

	jobs := make([]warehouse.Job, len(queries))
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for pending := len(queries); pending > 0; {
		select {
		case f := <-completed:
			pending--
			jobs[f.index] = f.job
		case <-ticker.C:
			zap.L().Info("enrichment: waiting for jobs",
				zap.String("table", p.Table.String()),
				zap.Int("pending", pending),
				zap.Int("total", len(queries)),
			)
		case <-ctx.Done():
			e.transition(p.Table, StateFailed)
			return nil, eris.Wrap(ctx.Err(), "enrichment: wait for jobs")
		}
	}

	// Results merge in query order so that colliding column names resolve
	// the same way whichever job finished first.
	e.transition(p.Table, StateMerging)
	merged := p.data
	var failures []JobFailure
	for _, j := range jobs {
		if errs := j.Errors(); len(errs) > 0 {
			for _, err := range errs {
				failures = append(failures, JobFailure{JobID: j.ID(), Err: err})
			}
			continue
		}
		res, err := j.Result()
		if err != nil {
			failures = append(failures, JobFailure{JobID: j.ID(), Err: err})
			continue
		}
		next, err := merged.MergeLeft(res, e.joinKey)
		if err != nil {
			failures = append(failures, JobFailure{JobID: j.ID(), Err: err})
			continue
		}
		merged = next
	}

	if len(failures) > 0 {
		e.transition(p.Table, StateFailed)
		return nil, &WarehouseJobError{Failures: failures, Total: len(queries)}
	}

	merged.Drop(e.joinKey, e.geojsonColumn)
	e.transition(p.Table, StateDone)
	return merged, nil
}

func (e *Executor) cleanup(ctx context.Context, table warehouse.TableRef) {
	if err := e.warehouse.DropTable(context.WithoutCancel(ctx), table); err != nil {
		zap.L().Warn("enrichment: drop temporary table failed",
			zap.String("table", table.String()),
			zap.Error(err),
		)
	}
}

func (e *Executor) transition(table warehouse.TableRef, s State) {
	zap.L().Debug("enrichment: state",
		zap.String("table", table.String()),
		zap.String("state", string(s)),
	)
}
