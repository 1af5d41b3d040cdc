package dataio

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/cartodb/observatory-cli/internal/frame"
)

// DefaultSheetName names the sheet written by WriteXLSX.
const DefaultSheetName = "enrichment"

// XLSXOptions selects the sheet to read.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
}

// ReadXLSX reads one sheet whose first row is the header.
func ReadXLSX(path string, opts XLSXOptions) (*frame.Frame, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}
	if len(sheet.Rows) == 0 {
		return nil, eris.Errorf("xlsx: sheet %q is empty", sheet.Name)
	}

	head := rowToStrings(sheet.Rows[0])
	records := make([][]string, 0, len(sheet.Rows)-1)
	for _, row := range sheet.Rows[1:] {
		records = append(records, rowToStrings(row))
	}
	return frameFromRecords(head, records), nil
}

// WriteXLSX writes f to a single-sheet workbook. Numbers stay numeric cells;
// geometries are written as WKT.
func WriteXLSX(path string, f *frame.Frame, sheetName string) error {
	cols, err := header(f)
	if err != nil {
		return err
	}
	if sheetName == "" {
		sheetName = DefaultSheetName
	}

	book := xlsx.NewFile()
	sheet, err := book.AddSheet(sheetName)
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}

	head := sheet.AddRow()
	for _, col := range cols {
		head.AddCell().SetString(col)
	}

	for i, r := range f.Rows() {
		row := sheet.AddRow()
		for _, col := range cols {
			if err := setCell(row.AddCell(), r[col]); err != nil {
				return eris.Wrapf(err, "xlsx: row %d column %s", i, col)
			}
		}
	}

	if err := book.Save(path); err != nil {
		return eris.Wrap(err, "xlsx: save")
	}
	return nil
}

func setCell(cell *xlsx.Cell, v any) error {
	switch t := v.(type) {
	case nil:
	case int:
		cell.SetInt(t)
	case int64:
		cell.SetInt64(t)
	case float64:
		cell.SetFloat(t)
	case bool:
		cell.SetBool(t)
	default:
		s, err := formatCell(v)
		if err != nil {
			return err
		}
		cell.SetString(s)
	}
	return nil
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
