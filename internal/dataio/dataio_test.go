package dataio

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"github.com/twpayne/go-geom"
	"golang.org/x/text/encoding/charmap"

	"github.com/cartodb/observatory-cli/internal/frame"
	"github.com/cartodb/observatory-cli/internal/resilience"
)

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFormatFor(t *testing.T) {
	tests := map[string]Format{
		"in.csv":                            FormatCSV,
		"IN.TSV":                            FormatCSV,
		"stores.geojson":                    FormatGeoJSON,
		"stores.json":                       FormatGeoJSON,
		"tracts.shp":                        FormatShapefile,
		"tracts.zip":                        FormatZippedShp,
		"book.xlsx":                         FormatXLSX,
		"https://x.test/a/stores.csv?dl=1": FormatCSV,
	}
	for path, want := range tests {
		got, err := FormatFor(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}

	_, err := FormatFor("notes.pdf")
	assert.Error(t, err)
}

func TestReadCSV_Basic(t *testing.T) {
	input := "name,geometry,pop\nalpha,POINT (1 2),10\nbeta,,\n"
	f, err := ReadCSV(context.Background(), strings.NewReader(input), CSVOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"name", "geometry", "pop"}, f.Columns())
	require.Equal(t, 2, f.Len())
	assert.Equal(t, "POINT (1 2)", f.Value(0, "geometry"))
	assert.Equal(t, "10", f.Value(0, "pop"))
	assert.Nil(t, f.Value(1, "geometry"))
	assert.Nil(t, f.Value(1, "pop"))
}

func TestReadCSV_DelimiterAndTrim(t *testing.T) {
	input := "# comment\n name ; geometry \n a ; POINT (0 0) \n"
	f, err := ReadCSV(context.Background(), strings.NewReader(input), CSVOptions{
		Delimiter: ';',
		Comment:   '#',
		TrimSpace: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "geometry"}, f.Columns())
	assert.Equal(t, "POINT (0 0)", f.Value(0, "geometry"))
}

func TestReadCSV_Charset(t *testing.T) {
	encoded, err := charmap.Windows1252.NewEncoder().String("city,geometry\nMálaga,POINT (-4.42 36.72)\n")
	require.NoError(t, err)

	f, err := ReadCSV(context.Background(), strings.NewReader(encoded), CSVOptions{Encoding: "windows-1252"})
	require.NoError(t, err)
	assert.Equal(t, "Málaga", f.Value(0, "city"))

	_, err = ReadCSV(context.Background(), strings.NewReader(encoded), CSVOptions{Encoding: "klingon"})
	assert.Error(t, err)
}

func TestReadCSV_DuplicateAndBlankHeaders(t *testing.T) {
	f, err := ReadCSV(context.Background(), strings.NewReader("\ufeffid,id,\n1,2,3\n"), CSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "column_2", "column_3"}, f.Columns())
	assert.Equal(t, "3", f.Value(0, "column_3"))
}

func TestReadCSV_Errors(t *testing.T) {
	_, err := ReadCSV(context.Background(), strings.NewReader(""), CSVOptions{})
	assert.ErrorContains(t, err, "missing header")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ReadCSV(ctx, strings.NewReader("a\n1\n"), CSVOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteCSV(t *testing.T) {
	f := frame.New([]string{"name", "geometry", "sum_pop", "missing"},
		frame.Row{"name": "a", "geometry": geom.NewPointFlat(geom.XY, []float64{1, 2}), "sum_pop": 12.5},
		frame.Row{"name": "b, c", "geometry": "POINT (3 4)", "sum_pop": int64(7)},
	)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, f, CSVOptions{}))
	assert.Equal(t, "name,geometry,sum_pop,missing\na,POINT (1 2),12.5,\n\"b, c\",POINT (3 4),7,\n", buf.String())

	assert.Error(t, WriteCSV(&buf, frame.New(nil), CSVOptions{}))
}

const storesGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [-73.99, 40.73]}, "properties": {"name": "a", "sales": 10}},
    {"type": "Feature", "geometry": null, "properties": {"open": true, "name": "b"}}
  ]
}`

func TestReadGeoJSON(t *testing.T) {
	f, err := ReadGeoJSON(strings.NewReader(storesGeoJSON), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"name", "sales", "open", "geometry"}, f.Columns())
	require.Equal(t, 2, f.Len())

	p, ok := f.Value(0, "geometry").(*geom.Point)
	require.True(t, ok)
	assert.Equal(t, []float64{-73.99, 40.73}, p.FlatCoords())
	assert.Equal(t, 10.0, f.Value(0, "sales"))
	assert.Nil(t, f.Value(0, "open"))
	assert.Nil(t, f.Value(1, "geometry"))
	assert.Equal(t, true, f.Value(1, "open"))

	_, err = ReadGeoJSON(strings.NewReader("{not json"), "")
	assert.Error(t, err)
}

func TestWriteGeoJSON(t *testing.T) {
	f := frame.New([]string{"name", "geom", "sum_pop"},
		frame.Row{"name": "a", "geom": "POINT (1 2)", "sum_pop": 3.5},
		frame.Row{"name": "b", "geom": nil, "sum_pop": nil},
	)

	var buf bytes.Buffer
	require.NoError(t, WriteGeoJSON(&buf, f, "geom"))

	var doc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry   *struct{ Type string } `json:"geometry"`
			Properties map[string]any         `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "FeatureCollection", doc.Type)
	require.Len(t, doc.Features, 2)
	require.NotNil(t, doc.Features[0].Geometry)
	assert.Equal(t, "Point", doc.Features[0].Geometry.Type)
	assert.Equal(t, map[string]any{"name": "a", "sum_pop": 3.5}, doc.Features[0].Properties)
	assert.Nil(t, doc.Features[1].Geometry)
	assert.NotContains(t, doc.Features[0].Properties, "geom")

	bad := frame.New([]string{"geometry"}, frame.Row{"geometry": "NOT A GEOMETRY"})
	assert.Error(t, WriteGeoJSON(&buf, bad, ""))
}

func createTestShapefile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "stores.shp")
	w, err := shp.Create(path, shp.POINT)
	require.NoError(t, err)

	require.NoError(t, w.SetFields([]shp.Field{shp.StringField("NAME", 20)}))
	for i, p := range []struct {
		name string
		x, y float64
	}{{"alpha", -73.99, 40.73}, {"", -74.01, 40.71}} {
		w.Write(&shp.Point{X: p.x, Y: p.y})
		require.NoError(t, w.WriteAttribute(i, 0, p.name))
	}
	w.Close()
	return path
}

func TestReadShapefile(t *testing.T) {
	path := createTestShapefile(t, t.TempDir())

	f, err := ReadShapefile(path, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"NAME", "geometry"}, f.Columns())
	require.Equal(t, 2, f.Len())
	assert.Equal(t, "alpha", f.Value(0, "NAME"))
	assert.Nil(t, f.Value(1, "NAME"))

	p, ok := f.Value(0, "geometry").(*geom.Point)
	require.True(t, ok)
	assert.InDelta(t, -73.99, p.X(), 1e-9)
	assert.Equal(t, 4326, p.SRID())

	_, err = ReadShapefile(filepath.Join(t.TempDir(), "missing.shp"), "")
	assert.Error(t, err)
}

func zipDir(t *testing.T, dir, dest string) {
	t.Helper()
	out, err := os.Create(dest)
	require.NoError(t, err)
	zw := zip.NewWriter(out)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		w, err := zw.Create("stores/" + e.Name())
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())
}

func TestReadZippedShapefile(t *testing.T) {
	src := t.TempDir()
	createTestShapefile(t, src)
	archive := filepath.Join(t.TempDir(), "stores.zip")
	zipDir(t, src, archive)

	f, err := Read(context.Background(), archive, ReadOptions{GeometryColumn: "geom"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.Len())
	assert.True(t, f.HasColumn("geom"))
}

func TestExtractZIP_RejectsZipSlip(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.zip")
	out, err := os.Create(archive)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	w, err := zw.Create("../../evil.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())

	_, err = ExtractZIP(archive, t.TempDir())
	assert.ErrorContains(t, err, "zip slip")

	_, err = ReadZippedShapefile(archive, "")
	assert.Error(t, err)
}

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				row.AddCell().SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "test.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadXLSX(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"stores": {
			{"name", "geometry"},
			{"alpha", "POINT (1 2)"},
			{"beta", ""},
		},
	})

	f, err := ReadXLSX(path, XLSXOptions{SheetName: "stores"})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "geometry"}, f.Columns())
	require.Equal(t, 2, f.Len())
	assert.Equal(t, "POINT (1 2)", f.Value(0, "geometry"))
	assert.Nil(t, f.Value(1, "geometry"))

	_, err = ReadXLSX(path, XLSXOptions{SheetName: "nope"})
	assert.ErrorContains(t, err, "not found")
	_, err = ReadXLSX(path, XLSXOptions{SheetIndex: 3})
	assert.ErrorContains(t, err, "out of range")
}

func TestWriteXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xlsx")
	f := frame.New([]string{"name", "geometry", "tag"},
		frame.Row{"name": "a", "geometry": geom.NewPointFlat(geom.XY, []float64{1, 2}), "tag": "x"},
		frame.Row{"name": "b", "geometry": nil, "tag": nil},
	)
	require.NoError(t, Write(path, f, WriteOptions{}))

	book, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	sheet, ok := book.Sheet[DefaultSheetName]
	require.True(t, ok)
	require.Len(t, sheet.Rows, 3)
	assert.Equal(t, []string{"name", "geometry", "tag"}, rowToStrings(sheet.Rows[0]))
	assert.Equal(t, "POINT (1 2)", sheet.Rows[1].Cells[1].String())
	assert.Equal(t, "x", sheet.Rows[1].Cells[2].String())
}

func TestWriteRead_CSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	f := frame.New([]string{"name", "geometry"}, frame.Row{"name": "a", "geometry": "POINT (1 2)"})
	require.NoError(t, Write(path, f, WriteOptions{}))

	got, err := Read(context.Background(), path, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, f.Rows(), got.Rows())

	assert.Error(t, Write(filepath.Join(t.TempDir(), "out.shp"), f, WriteOptions{}))
}

func TestRead_TSV(t *testing.T) {
	path := writeTestFile(t, "in.tsv", "name\tgeometry\na\tPOINT (1 2)\n")
	f, err := Read(context.Background(), path, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "POINT (1 2)", f.Value(0, "geometry"))
}

func fastDownloader() *Downloader {
	return NewDownloader(DownloadOptions{
		RatePerHost: 1000,
		Retry:       resilience.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
}

func TestRead_URLRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "observatory-cli/1.0", r.Header.Get("User-Agent"))
		_, _ = io.WriteString(w, "name,geometry\na,POINT (1 2)\n")
	}))
	defer srv.Close()

	f, err := Read(context.Background(), srv.URL+"/data/stores.csv", ReadOptions{Downloader: fastDownloader()})
	require.NoError(t, err)
	assert.Equal(t, 1, f.Len())
	assert.Equal(t, int32(2), calls.Load())
}

func TestDownload_PermanentStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := fastDownloader().DownloadToDir(context.Background(), srv.URL+"/missing.csv", t.TempDir())
	assert.ErrorContains(t, err, "unexpected status 404")
	assert.Equal(t, int32(1), calls.Load())

	_, err = fastDownloader().DownloadToDir(context.Background(), srv.URL+"/", t.TempDir())
	assert.ErrorContains(t, err, "cannot name file")
}
