package dataio

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cartodb/observatory-cli/internal/frame"
	"github.com/cartodb/observatory-cli/internal/geometry"
)

// ReadShapefile reads a .shp with its .dbf attributes. Attribute values are
// trimmed strings (nil when blank); the shape becomes a geom.T in
// geometryColumn.
func ReadShapefile(shpPath, geometryColumn string) (*frame.Frame, error) {
	if geometryColumn == "" {
		geometryColumn = defaultGeomField
	}

	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "shapefile: open %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	cols := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		cols = append(cols, strings.TrimRight(f.String(), "\x00"))
	}
	cols = append(cols, geometryColumn)

	out := frame.New(cols)
	var unsupported int
	for reader.Next() {
		_, shape := reader.Shape()

		row := make(frame.Row, len(cols))
		for i := range fields {
			val := strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
			if val == "" {
				row[cols[i]] = nil
			} else {
				row[cols[i]] = val
			}
		}

		g := geometry.FromShape(shape)
		if g == nil {
			unsupported++
			row[geometryColumn] = nil
		} else {
			row[geometryColumn] = g
		}
		out.Append(row)
	}

	if unsupported > 0 {
		zap.L().Warn("shapefile: records without a supported geometry",
			zap.String("path", shpPath),
			zap.Int("count", unsupported),
		)
	}
	return out, nil
}

// ReadZippedShapefile extracts a zipped shapefile to a temporary directory
// and reads the single .shp it contains.
func ReadZippedShapefile(zipPath, geometryColumn string) (*frame.Frame, error) {
	dir, err := os.MkdirTemp("", "observatory-shp-*")
	if err != nil {
		return nil, eris.Wrap(err, "zip: create temp dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	files, err := ExtractZIP(zipPath, dir)
	if err != nil {
		return nil, err
	}

	var shpPath string
	for _, f := range files {
		if strings.EqualFold(filepath.Ext(f), ".shp") {
			if shpPath != "" {
				return nil, eris.Errorf("zip: %s holds more than one shapefile", zipPath)
			}
			shpPath = f
		}
	}
	if shpPath == "" {
		return nil, eris.Errorf("zip: no .shp file in %s", zipPath)
	}
	return ReadShapefile(shpPath, geometryColumn)
}

// ExtractZIP extracts all files from a ZIP archive to destDir and returns the
// extracted file paths.
func ExtractZIP(zipPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	var extracted []string
	for _, f := range r.File {
		path, err := extractZIPEntry(f, destDir)
		if err != nil {
			return extracted, err
		}
		if path != "" {
			extracted = append(extracted, path)
		}
	}
	return extracted, nil
}

func extractZIPEntry(f *zip.File, destDir string) (string, error) {
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", eris.Errorf("zip: illegal path %q (zip slip attempt)", f.Name)
	}

	if f.FileInfo().IsDir() {
		if err := os.MkdirAll(destPath, 0o755); err != nil {
			return "", eris.Wrap(err, "zip: create directory")
		}
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", eris.Wrap(err, "zip: create parent directory")
	}

	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrap(err, "zip: open entry")
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(destPath)
	if err != nil {
		return "", eris.Wrap(err, "zip: create file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, rc); err != nil {
		return "", eris.Wrap(err, "zip: write file")
	}
	return destPath, nil
}
