package dataio

import (
	"encoding/json"
	"io"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/cartodb/observatory-cli/internal/frame"
	"github.com/cartodb/observatory-cli/internal/geometry"
)

// ReadGeoJSON reads a FeatureCollection. Geometries land in geometryColumn as
// geom.T; properties become columns in first-seen order, sorted within each
// feature.
func ReadGeoJSON(r io.Reader, geometryColumn string) (*frame.Frame, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "geojson: read")
	}
	return DecodeFeatureCollection(data, geometryColumn)
}

// DecodeFeatureCollection is ReadGeoJSON over an in-memory document.
func DecodeFeatureCollection(data []byte, geometryColumn string) (*frame.Frame, error) {
	if geometryColumn == "" {
		geometryColumn = defaultGeomField
	}

	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, eris.Wrap(err, "geojson: decode feature collection")
	}

	var cols []string
	known := map[string]bool{geometryColumn: true}
	rows := make([]frame.Row, 0, len(fc.Features))
	for _, feat := range fc.Features {
		if feat == nil {
			continue
		}
		keys := make([]string, 0, len(feat.Properties))
		for k := range feat.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		row := make(frame.Row, len(keys)+1)
		for _, k := range keys {
			if !known[k] {
				known[k] = true
				cols = append(cols, k)
			}
			row[k] = feat.Properties[k]
		}
		if feat.Geometry != nil {
			row[geometryColumn] = feat.Geometry
		} else {
			row[geometryColumn] = nil
		}
		rows = append(rows, row)
	}

	cols = append(cols, geometryColumn)
	return frame.New(cols, rows...), nil
}

// WriteGeoJSON writes f as a FeatureCollection. geometryColumn may hold any
// value geometry.Decode accepts; the remaining columns become properties.
func WriteGeoJSON(w io.Writer, f *frame.Frame, geometryColumn string) error {
	data, err := EncodeFeatureCollection(f, geometryColumn)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return eris.Wrap(err, "geojson: write")
	}
	return nil
}

// EncodeFeatureCollection is WriteGeoJSON into memory.
func EncodeFeatureCollection(f *frame.Frame, geometryColumn string) ([]byte, error) {
	if geometryColumn == "" {
		geometryColumn = defaultGeomField
	}
	cols := f.Columns()

	fc := geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, f.Len())}
	for i, row := range f.Rows() {
		g, err := geometry.Decode(row[geometryColumn])
		if err != nil {
			return nil, eris.Wrapf(err, "geojson: row %d", i)
		}

		props := make(map[string]any, len(cols))
		for _, col := range cols {
			if col == geometryColumn {
				continue
			}
			props[col] = jsonValue(row[col])
		}
		fc.Features = append(fc.Features, &geojson.Feature{Geometry: g, Properties: props})
	}

	data, err := json.Marshal(&fc)
	if err != nil {
		return nil, eris.Wrap(err, "geojson: encode feature collection")
	}
	return data, nil
}

// jsonValue keeps JSON-native values and renders anything else as text.
func jsonValue(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint32, uint64:
		return v
	default:
		s, err := formatCell(v)
		if err != nil {
			return nil
		}
		return s
	}
}
