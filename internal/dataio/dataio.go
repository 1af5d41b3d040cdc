// Package dataio reads user datasets into frames and writes enriched frames
// back out as CSV, GeoJSON, shapefile (read only) and XLSX.
package dataio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/cartodb/observatory-cli/internal/frame"
	"github.com/cartodb/observatory-cli/internal/geometry"
)

// Format identifies a file layout.
type Format string

// Supported formats.
const (
	FormatCSV       Format = "csv"
	FormatGeoJSON   Format = "geojson"
	FormatShapefile Format = "shapefile"
	FormatZippedShp Format = "zip"
	FormatXLSX      Format = "xlsx"
)

const defaultGeomField = "geometry"

// FormatFor picks the format from a path or URL extension.
func FormatFor(path string) (Format, error) {
	if i := strings.IndexAny(path, "?#"); i >= 0 && isURL(path) {
		path = path[:i]
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv", ".txt":
		return FormatCSV, nil
	case ".geojson", ".json":
		return FormatGeoJSON, nil
	case ".shp":
		return FormatShapefile, nil
	case ".zip":
		return FormatZippedShp, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("dataio: unsupported file type %q", filepath.Ext(path))
	}
}

// ReadOptions configures Read.
type ReadOptions struct {
	// GeometryColumn receives geometries of GeoJSON and shapefile input.
	GeometryColumn string
	CSV            CSVOptions
	XLSX           XLSXOptions
	// Downloader fetches http(s) sources. Nil uses NewDownloader defaults.
	Downloader *Downloader
}

// Read loads path (a local file or http(s) URL) into a frame.
func Read(ctx context.Context, path string, opts ReadOptions) (*frame.Frame, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	if opts.GeometryColumn == "" {
		opts.GeometryColumn = defaultGeomField
	}
	if format == FormatCSV && opts.CSV.Delimiter == 0 && strings.EqualFold(filepath.Ext(path), ".tsv") {
		opts.CSV.Delimiter = '\t'
	}

	if isURL(path) {
		dir, err := os.MkdirTemp("", "observatory-input-*")
		if err != nil {
			return nil, eris.Wrap(err, "dataio: create download dir")
		}
		defer os.RemoveAll(dir) //nolint:errcheck

		dl := opts.Downloader
		if dl == nil {
			dl = NewDownloader(DownloadOptions{})
		}
		local, err := dl.DownloadToDir(ctx, path, dir)
		if err != nil {
			return nil, err
		}
		path = local
	}

	zap.L().Debug("dataio: reading input", zap.String("path", path), zap.String("format", string(format)))

	switch format {
	case FormatCSV:
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "dataio: open csv")
		}
		defer f.Close() //nolint:errcheck
		return ReadCSV(ctx, f, opts.CSV)
	case FormatGeoJSON:
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "dataio: open geojson")
		}
		defer f.Close() //nolint:errcheck
		return ReadGeoJSON(f, opts.GeometryColumn)
	case FormatShapefile:
		return ReadShapefile(path, opts.GeometryColumn)
	case FormatZippedShp:
		return ReadZippedShapefile(path, opts.GeometryColumn)
	default:
		return ReadXLSX(path, opts.XLSX)
	}
}

// WriteOptions configures Write.
type WriteOptions struct {
	GeometryColumn string
	CSV            CSVOptions
	SheetName      string
}

// Write stores f at path in the format implied by its extension.
func Write(path string, f *frame.Frame, opts WriteOptions) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	if opts.GeometryColumn == "" {
		opts.GeometryColumn = defaultGeomField
	}

	switch format {
	case FormatCSV:
		out, err := os.Create(path)
		if err != nil {
			return eris.Wrap(err, "dataio: create csv")
		}
		if err := WriteCSV(out, f, opts.CSV); err != nil {
			_ = out.Close()
			return err
		}
		return eris.Wrap(out.Close(), "dataio: close csv")
	case FormatGeoJSON:
		out, err := os.Create(path)
		if err != nil {
			return eris.Wrap(err, "dataio: create geojson")
		}
		if err := WriteGeoJSON(out, f, opts.GeometryColumn); err != nil {
			_ = out.Close()
			return err
		}
		return eris.Wrap(out.Close(), "dataio: close geojson")
	case FormatXLSX:
		return WriteXLSX(path, f, opts.SheetName)
	default:
		return eris.Errorf("dataio: writing %s is not supported", format)
	}
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// formatCell renders a value for text outputs. Geometries become WKT.
func formatCell(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case geom.T:
		return geometry.EncodeWKT(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case []byte:
		g, err := geometry.Decode(t)
		if err != nil {
			return string(t), nil
		}
		return geometry.EncodeWKT(g)
	default:
		return fmt.Sprint(t), nil
	}
}

// header returns the frame's columns, failing on an empty frame layout.
func header(f *frame.Frame) ([]string, error) {
	cols := f.Columns()
	if len(cols) == 0 {
		return nil, eris.New("dataio: frame has no columns")
	}
	return cols, nil
}

// frameFromRecords builds a frame from a header and string records. Empty
// cells become nil; duplicate or blank header names get a positional name.
func frameFromRecords(head []string, records [][]string) *frame.Frame {
	cols := make([]string, len(head))
	seen := make(map[string]bool, len(head))
	for i, h := range head {
		name := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if name == "" || seen[name] {
			name = fmt.Sprintf("column_%d", i+1)
		}
		seen[name] = true
		cols[i] = name
	}

	out := frame.New(cols)
	for _, rec := range records {
		row := make(frame.Row, len(cols))
		for i, col := range cols {
			if i < len(rec) && rec[i] != "" {
				row[col] = rec[i]
			} else {
				row[col] = nil
			}
		}
		out.Append(row)
	}
	return out
}
