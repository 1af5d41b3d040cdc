// Package warehouse is the remote execution surface enrichment runs on:
// uploading a user table, running queries asynchronously and dropping
// temporary tables.
package warehouse

import (
	"context"
	"strings"

	"github.com/cartodb/observatory-cli/internal/frame"
)

// ColumnType is a logical column type of an uploaded table.
type ColumnType string

// Logical column types. Geography maps to the warehouse's native spatial type.
const (
	Integer   ColumnType = "INTEGER"
	Float     ColumnType = "FLOAT"
	String    ColumnType = "STRING"
	Geography ColumnType = "GEOGRAPHY"
)

// Column is one field of an upload schema.
type Column struct {
	Name string
	Type ColumnType
}

// TableRef locates a table. Dialects that have no notion of project ignore it.
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

// String joins the non-empty parts with dots.
func (t TableRef) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{t.Project, t.Dataset, t.Table} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// Warehouse runs enrichment work remotely.
type Warehouse interface {
	// Upload creates table with the given schema and loads rows into it.
	// Each row holds one value per schema column, in order.
	Upload(ctx context.Context, table TableRef, schema []Column, rows [][]any) error

	// RunQueryAsync submits sql and returns immediately.
	RunQueryAsync(ctx context.Context, sql string) Job

	// DropTable removes table if it exists.
	DropTable(ctx context.Context, table TableRef) error
}

// Job is one outstanding asynchronous query.
type Job interface {
	ID() string

	// OnDone registers cb to run once the job is terminal. If the job is
	// already terminal cb runs immediately on the calling goroutine.
	OnDone(cb func(Job))

	// Done is closed when the job reaches a terminal state.
	Done() <-chan struct{}

	// Errors lists the failures reported by the job. Empty on success.
	Errors() []error

	// Result waits for the job and returns its rows.
	Result() (*frame.Frame, error)
}
