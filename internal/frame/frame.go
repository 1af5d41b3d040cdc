// Package frame provides a small ordered, column-addressable table used to
// carry user datasets through enrichment.
package frame

import (
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
)

// Row maps column names to values. Missing keys read as nil.
type Row map[string]any

// Frame is an ordered set of columns over a list of rows.
type Frame struct {
	columns []string
	rows    []Row
}

// New creates a frame with the given column order and rows.
func New(columns []string, rows ...Row) *Frame {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Frame{columns: cols, rows: rows}
}

// Columns returns a copy of the column names in order.
func (f *Frame) Columns() []string {
	cols := make([]string, len(f.columns))
	copy(cols, f.columns)
	return cols
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.rows) }

// Rows returns the underlying rows.
func (f *Frame) Rows() []Row { return f.rows }

// Row returns the i-th row.
func (f *Frame) Row(i int) Row { return f.rows[i] }

// Value returns the value of column col at row i.
func (f *Frame) Value(i int, col string) any { return f.rows[i][col] }

// HasColumn reports whether col is part of the frame.
func (f *Frame) HasColumn(col string) bool {
	return f.indexOf(col) >= 0
}

// Column returns the values of col in row order.
func (f *Frame) Column(col string) []any {
	vals := make([]any, len(f.rows))
	for i, r := range f.rows {
		vals[i] = r[col]
	}
	return vals
}

// Append adds a row. Keys not present in Columns are ignored on output.
func (f *Frame) Append(r Row) {
	f.rows = append(f.rows, r)
}

// Copy returns a frame whose rows can be mutated without affecting f.
// Values themselves are shared.
func (f *Frame) Copy() *Frame {
	rows := make([]Row, len(f.rows))
	for i, r := range f.rows {
		nr := make(Row, len(r))
		for k, v := range r {
			nr[k] = v
		}
		rows[i] = nr
	}
	return New(f.columns, rows...)
}

// SetColumn sets (or adds) a column from values in row order.
func (f *Frame) SetColumn(col string, values []any) error {
	if len(values) != len(f.rows) {
		return eris.Errorf("frame: column %q has %d values, frame has %d rows", col, len(values), len(f.rows))
	}
	if !f.HasColumn(col) {
		f.columns = append(f.columns, col)
	}
	for i, r := range f.rows {
		r[col] = values[i]
	}
	return nil
}

// Drop removes the named columns. Unknown names are ignored.
func (f *Frame) Drop(cols ...string) {
	drop := make(map[string]bool, len(cols))
	for _, c := range cols {
		drop[c] = true
	}
	kept := f.columns[:0]
	for _, c := range f.columns {
		if !drop[c] {
			kept = append(kept, c)
		}
	}
	f.columns = kept
	for _, r := range f.rows {
		for c := range drop {
			delete(r, c)
		}
	}
}

// MergeLeft left-joins right onto f using key, returning a new frame.
//
// Every row of f is kept. A row matching several right rows is repeated once
// per match, in right-row order; a row with no match gets nil for every
// right column. Right columns whose names already exist in f are renamed
// with a numeric suffix (name_1, name_2, ...) so that no value is
// overwritten.
func (f *Frame) MergeLeft(right *Frame, key string) (*Frame, error) {
	if !f.HasColumn(key) {
		return nil, eris.Errorf("frame: merge key %q missing from left frame", key)
	}
	if !right.HasColumn(key) {
		return nil, eris.Errorf("frame: merge key %q missing from right frame", key)
	}

	taken := make(map[string]bool, len(f.columns)+len(right.columns))
	for _, c := range f.columns {
		taken[c] = true
	}
	columns := f.Columns()
	rename := make(map[string]string, len(right.columns))
	for _, c := range right.columns {
		if c == key {
			continue
		}
		name := c
		for i := 1; taken[name]; i++ {
			name = c + "_" + strconv.Itoa(i)
		}
		taken[name] = true
		rename[c] = name
		columns = append(columns, name)
	}

	index := make(map[string][]Row, len(right.rows))
	for _, r := range right.rows {
		k := keyString(r[key])
		index[k] = append(index[k], r)
	}

	out := &Frame{columns: columns, rows: make([]Row, 0, len(f.rows))}
	for _, l := range f.rows {
		matches := index[keyString(l[key])]
		if len(matches) == 0 {
			nr := cloneRow(l, len(columns))
			for _, name := range rename {
				nr[name] = nil
			}
			out.rows = append(out.rows, nr)
			continue
		}
		for _, m := range matches {
			nr := cloneRow(l, len(columns))
			for src, name := range rename {
				nr[name] = m[src]
			}
			out.rows = append(out.rows, nr)
		}
	}
	return out, nil
}

func cloneRow(r Row, size int) Row {
	nr := make(Row, size)
	for k, v := range r {
		nr[k] = v
	}
	return nr
}

// keyString normalizes join-key values so that integers of different widths
// (int from the caller, int32/int64 from a driver) compare equal.
func keyString(v any) string {
	switch k := v.(type) {
	case nil:
		return "\x00nil"
	case int:
		return strconv.FormatInt(int64(k), 10)
	case int8:
		return strconv.FormatInt(int64(k), 10)
	case int16:
		return strconv.FormatInt(int64(k), 10)
	case int32:
		return strconv.FormatInt(int64(k), 10)
	case int64:
		return strconv.FormatInt(k, 10)
	case uint:
		return strconv.FormatUint(uint64(k), 10)
	case uint32:
		return strconv.FormatUint(uint64(k), 10)
	case uint64:
		return strconv.FormatUint(k, 10)
	case float64:
		if k == float64(int64(k)) {
			return strconv.FormatInt(int64(k), 10)
		}
		return strconv.FormatFloat(k, 'g', -1, 64)
	case string:
		return k
	default:
		return fmt.Sprint(k)
	}
}

func (f *Frame) indexOf(col string) int {
	for i, c := range f.columns {
		if c == col {
			return i
		}
	}
	return -1
}
