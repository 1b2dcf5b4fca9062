package parser

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/firetracker/geodata/internal/geodata"
)

// ShapefileParser reads polygon layers from a ZIP archive or from a .shp
// file plus its auxiliary files. Sources are staged in a temporary directory
// which is always removed afterwards.
type ShapefileParser struct {
	logger     *zap.Logger
	tempRoot   string
	retryDelay time.Duration
	attempts   int
}

// NewShapefileParser stages files under the system temp directory.
func NewShapefileParser(logger *zap.Logger) *ShapefileParser {
	return &ShapefileParser{
		logger:     logger,
		retryDelay: 500 * time.Millisecond,
		attempts:   5,
	}
}

// shpFeature is one shapefile record.
type shpFeature struct {
	Geometry orb.MultiPolygon
	Attrs    attributes
	Err      error
}

// ParseProvinces reads province boundaries.
func (p *ShapefileParser) ParseProvinces(path string, auxiliary []string) (*Result[geodata.Province], error) {
	result := &Result[geodata.Province]{}
	err := p.each(path, auxiliary, func(i int, f shpFeature) {
		result.Total++
		if f.Err != nil {
			result.skip(i, "%v", f.Err)
			return
		}
		pcode := f.Attrs.first(shpProvincePCode)
		name := f.Attrs.first(shpProvinceName)
		if pcode == "" || name == "" {
			result.skip(i, "missing required fields")
			return
		}
		result.Records = append(result.Records, geodata.Province{Name: name, PCode: pcode, Geometry: f.Geometry})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ParseDistricts reads district boundaries.
func (p *ShapefileParser) ParseDistricts(path string, auxiliary []string) (*Result[DistrictRecord], error) {
	result := &Result[DistrictRecord]{}
	err := p.each(path, auxiliary, func(i int, f shpFeature) {
		result.Total++
		if f.Err != nil {
			result.skip(i, "%v", f.Err)
			return
		}
		pcode := f.Attrs.first(shpDistrictPCode)
		name := f.Attrs.first(shpDistrictName)
		if pcode == "" || name == "" {
			result.skip(i, "missing required fields")
			return
		}
		parentName := f.Attrs.first(shpParentName)
		result.Records = append(result.Records, DistrictRecord{
			District:    geodata.District{Name: name, PCode: pcode, ProvinceName: parentName, Geometry: f.Geometry},
			ParentPCode: f.Attrs.first(shpParentPCode),
			ParentName:  parentName,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *ShapefileParser) each(path string, auxiliary []string, fn func(int, shpFeature)) error {
	dir, err := os.MkdirTemp(p.tempRoot, "geodata_")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	p.logger.Debug("created temporary directory", zap.String("dir", dir))
	defer p.cleanup(dir)

	var shpPath string
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		shpPath, err = extractShapefile(path, dir)
	} else {
		shpPath, err = stageShapefile(path, auxiliary, dir)
	}
	if err != nil {
		return err
	}
	p.logger.Info("processing shapefile", zap.String("path", shpPath))

	reader, err := shp.Open(shpPath)
	if err != nil {
		return fmt.Errorf("open shapefile: %w", err)
	}
	defer reader.Close()

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.ToLower(f.String())
	}
	p.logger.Debug("shapefile fields", zap.Strings("fields", names))

	for reader.Next() {
		n, shape := reader.Shape()
		attrs := make(attributes, len(names))
		for i, name := range names {
			attrs[name] = strings.Trim(reader.ReadAttribute(n, i), " \x00")
		}
		f := shpFeature{Attrs: attrs}
		f.Geometry, f.Err = shapeToMultiPolygon(shape)
		fn(n, f)
	}
	if err := reader.Err(); err != nil {
		return fmt.Errorf("read shapefile: %w", err)
	}
	return nil
}

func shapeToMultiPolygon(shape shp.Shape) (orb.MultiPolygon, error) {
	var parts []int32
	var points []shp.Point
	switch s := shape.(type) {
	case *shp.Polygon:
		parts, points = s.Parts, s.Points
	case *shp.PolygonZ:
		parts, points = s.Parts, s.Points
	case *shp.PolygonM:
		parts, points = s.Parts, s.Points
	case *shp.Null, nil:
		return nil, fmt.Errorf("feature has no geometry")
	default:
		return nil, fmt.Errorf("geometry is not a Polygon/MultiPolygon: %T", shape)
	}

	rings := make([]orb.Ring, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || start > end || int(end) > len(points) {
			return nil, fmt.Errorf("%w: bad part offsets", ErrInvalidGeometry)
		}
		ring := make(orb.Ring, 0, end-start)
		for _, pt := range points[start:end] {
			ring = append(ring, orb.Point{pt.X, pt.Y})
		}
		rings = append(rings, ring)
	}
	return ToMultiPolygon(assembleRings(rings))
}

// extractShapefile unpacks archive into dir and returns the first .shp found.
func extractShapefile(archive, dir string) (string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return "", fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		isDir := f.FileInfo().IsDir()
		target, err := entryTarget(dir, f.Name, isDir)
		if err != nil {
			return "", err
		}
		if isDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", err
			}
			continue
		}
		if err := extractEntry(f, target); err != nil {
			return "", err
		}
	}

	var found []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".shp") && !strings.HasPrefix(d.Name(), "._") {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", fmt.Errorf("no .shp file found in ZIP archive")
	}
	sort.Strings(found)
	return normalizeSiblings(found[0])
}

// entryTarget maps a zip entry name into dir. Entries outside dir are
// rejected; a directory entry may name dir itself.
func entryTarget(dir, name string, isDir bool) (string, error) {
	root := filepath.Clean(dir)
	target := filepath.Join(root, filepath.FromSlash(name))
	if isDir && target == root {
		return target, nil
	}
	if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("zip entry %q escapes archive root", name)
	}
	return target, nil
}

func extractEntry(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	return writeFile(target, rc)
}

// normalizeSiblings renames the .shp and its companions to lower-case
// extensions, since the reader derives companion names from the .shp path.
func normalizeSiblings(shpPath string) (string, error) {
	dir := filepath.Dir(shpPath)
	base := strings.TrimSuffix(filepath.Base(shpPath), filepath.Ext(shpPath))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		name := e.Name()
		ext := filepath.Ext(name)
		if e.IsDir() || !strings.EqualFold(strings.TrimSuffix(name, ext), base) {
			continue
		}
		want := base + strings.ToLower(ext)
		if want != name {
			if err := os.Rename(filepath.Join(dir, name), filepath.Join(dir, want)); err != nil {
				return "", err
			}
		}
	}
	return filepath.Join(dir, base+".shp"), nil
}

// stageShapefile copies a .shp and its auxiliary files into dir under a
// common base name.
func stageShapefile(path string, auxiliary []string, dir string) (string, error) {
	if len(auxiliary) == 0 {
		return "", fmt.Errorf("shapefile upload requires auxiliary files (.shx, .dbf, etc.)")
	}
	const base = "layer"
	for _, src := range append([]string{path}, auxiliary...) {
		dst := filepath.Join(dir, base+strings.ToLower(filepath.Ext(src)))
		if err := copyFile(src, dst); err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, base+".shp"), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	return writeFile(dst, in)
}

func writeFile(dst string, r io.Reader) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return out.Close()
}

// cleanup removes dir, retrying with doubling delays. A final failure is
// logged and swallowed.
func (p *ShapefileParser) cleanup(dir string) {
	delay := p.retryDelay
	for attempt := 1; attempt <= p.attempts; attempt++ {
		err := os.RemoveAll(dir)
		if err == nil {
			p.logger.Debug("removed temporary directory", zap.String("dir", dir))
			return
		}
		if attempt == p.attempts {
			p.logger.Error("failed to clean up temporary directory", zap.String("dir", dir), zap.Error(err))
			return
		}
		p.logger.Warn("retrying temporary directory cleanup", zap.String("dir", dir), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(delay)
		delay *= 2
	}
}
