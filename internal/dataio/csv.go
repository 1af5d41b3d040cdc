package dataio

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/cartodb/observatory-cli/internal/frame"
)

// CSVOptions configures CSV reading and writing.
type CSVOptions struct {
	Delimiter rune // default ','
	// Encoding names the input charset ("latin1", "windows-1252", ...).
	// Empty means UTF-8. Output is always UTF-8.
	Encoding   string
	Comment    rune
	LazyQuotes bool
	TrimSpace  bool
}

// ReadCSV reads a headed CSV document. Every cell is kept as a string;
// empty cells become nil.
func ReadCSV(ctx context.Context, r io.Reader, opts CSVOptions) (*frame.Frame, error) {
	if opts.Encoding != "" && !strings.EqualFold(opts.Encoding, "utf-8") && !strings.EqualFold(opts.Encoding, "utf8") {
		enc, err := htmlindex.Get(opts.Encoding)
		if err != nil {
			return nil, eris.Wrapf(err, "csv: unsupported charset %q", opts.Encoding)
		}
		r = enc.NewDecoder().Reader(r)
	}

	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	if opts.Comment != 0 {
		reader.Comment = opts.Comment
	}
	reader.LazyQuotes = opts.LazyQuotes
	reader.FieldsPerRecord = -1

	var head []string
	var records [][]string
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "csv: context cancelled")
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "csv: read row")
		}

		if opts.TrimSpace {
			for i, field := range record {
				record[i] = strings.TrimSpace(field)
			}
		}

		if head == nil {
			head = record
			continue
		}
		records = append(records, record)
	}

	if head == nil {
		return nil, eris.New("csv: missing header row")
	}
	return frameFromRecords(head, records), nil
}

// WriteCSV writes f with a header row. Geometry values are rendered as WKT.
func WriteCSV(w io.Writer, f *frame.Frame, opts CSVOptions) error {
	cols, err := header(f)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(w)
	if opts.Delimiter != 0 {
		writer.Comma = opts.Delimiter
	}
	if err := writer.Write(cols); err != nil {
		return eris.Wrap(err, "csv: write header")
	}

	record := make([]string, len(cols))
	for i, row := range f.Rows() {
		for j, col := range cols {
			s, err := formatCell(row[col])
			if err != nil {
				return eris.Wrapf(err, "csv: format row %d column %s", i, col)
			}
			record[j] = s
		}
		if err := writer.Write(record); err != nil {
			return eris.Wrapf(err, "csv: write row %d", i)
		}
	}

	writer.Flush()
	return eris.Wrap(writer.Error(), "csv: flush")
}
