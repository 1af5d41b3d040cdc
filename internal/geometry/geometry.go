// Package geometry converts user-supplied geometries between the formats
// accepted on input and the interchange formats sent to the warehouse.
package geometry

import (
	"encoding/hex"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/ewkbhex"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"
	"go.uber.org/zap"
)

// SRID is the spatial reference of every geometry exchanged with the warehouse.
const SRID = 4326

// Decode turns a cell value into a geometry. Accepted inputs are geom.T,
// WKB/EWKB bytes, hex-encoded (E)WKB, GeoJSON text and (E)WKT text.
// A nil or blank value decodes to nil without error.
func Decode(v any) (geom.T, error) {
	switch g := v.(type) {
	case nil:
		return nil, nil
	case geom.T:
		return g, nil
	case []byte:
		if len(g) == 0 {
			return nil, nil
		}
		t, err := ewkb.Unmarshal(g)
		if err != nil {
			return nil, eris.Wrap(err, "geometry: decode wkb")
		}
		return t, nil
	case string:
		return decodeString(g)
	default:
		return nil, eris.Errorf("geometry: unsupported value type %T", v)
	}
}

func decodeString(s string) (geom.T, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	if strings.HasPrefix(s, "{") {
		var t geom.T
		if err := geojson.Unmarshal([]byte(s), &t); err != nil {
			return nil, eris.Wrap(err, "geometry: decode geojson")
		}
		return t, nil
	}

	if isHex(s) {
		t, err := ewkbhex.Decode(s)
		if err != nil {
			return nil, eris.Wrap(err, "geometry: decode hex wkb")
		}
		return t, nil
	}

	// EWKT carries an SRID prefix that the WKT decoder does not understand.
	if strings.HasPrefix(strings.ToUpper(s), "SRID=") {
		if i := strings.Index(s, ";"); i >= 0 {
			s = s[i+1:]
		}
	}
	t, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, eris.Wrap(err, "geometry: decode wkt")
	}
	return t, nil
}

func isHex(s string) bool {
	if len(s)%2 != 0 || len(s) < 10 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// EncodeGeoJSON renders g as a GeoJSON geometry object. A nil geometry
// renders as an empty string.
func EncodeGeoJSON(g geom.T) (string, error) {
	if g == nil {
		return "", nil
	}
	data, err := geojson.Marshal(g)
	if err != nil {
		return "", eris.Wrap(err, "geometry: encode geojson")
	}
	return string(data), nil
}

// EncodeWKT renders g as WKT.
func EncodeWKT(g geom.T) (string, error) {
	if g == nil {
		return "", nil
	}
	s, err := wkt.Marshal(g)
	if err != nil {
		return "", eris.Wrap(err, "geometry: encode wkt")
	}
	return s, nil
}

// FromShape converts a shapefile record to a geometry with SRID 4326.
// Unsupported or empty shapes return nil.
func FromShape(shape shp.Shape) geom.T {
	switch s := shape.(type) {
	case *shp.Point:
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y}).SetSRID(SRID)
	case *shp.PolyLine:
		return polyLineToMultiLineString(s)
	case *shp.Polygon:
		return polygonToMultiPolygon(s)
	default:
		return nil
	}
}

// partBounds returns the [start,end) point range of part i.
func partBounds(parts []int32, numParts int32, numPoints int, i int32) (int32, int32) {
	start := parts[i]
	end := int32(numPoints)
	if i+1 < numParts {
		end = parts[i+1]
	}
	return start, end
}

func flatCoords(points []shp.Point, start, end int32) []float64 {
	flat := make([]float64, 0, 2*(end-start))
	for j := start; j < end; j++ {
		flat = append(flat, points[j].X, points[j].Y)
	}
	return flat
}

func polyLineToMultiLineString(pl *shp.PolyLine) geom.T {
	if pl == nil || pl.NumParts == 0 || len(pl.Points) == 0 {
		return nil
	}

	mls := geom.NewMultiLineString(geom.XY).SetSRID(SRID)
	for i := int32(0); i < pl.NumParts; i++ {
		start, end := partBounds(pl.Parts, pl.NumParts, len(pl.Points), i)
		ls := geom.NewLineStringFlat(geom.XY, flatCoords(pl.Points, start, end))
		if err := mls.Push(ls); err != nil {
			zap.L().Debug("geometry: skipping malformed linestring part", zap.Int32("part", i), zap.Error(err))
		}
	}
	if mls.NumLineStrings() == 0 {
		return nil
	}
	return mls
}

func polygonToMultiPolygon(p *shp.Polygon) geom.T {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY).SetSRID(SRID)
	for i := int32(0); i < p.NumParts; i++ {
		start, end := partBounds(p.Parts, p.NumParts, len(p.Points), i)
		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(geom.NewLinearRingFlat(geom.XY, flatCoords(p.Points, start, end))); err != nil {
			zap.L().Debug("geometry: skipping malformed polygon ring", zap.Int32("part", i), zap.Error(err))
			continue
		}
		if err := mp.Push(poly); err != nil {
			zap.L().Debug("geometry: skipping malformed polygon part", zap.Int32("part", i), zap.Error(err))
		}
	}
	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}
