package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/firetracker/geodata/internal/geodata"
)

type rawCollection struct {
	Type     string            `json:"type"`
	Features []json.RawMessage `json:"features"`
}

type rawFeature struct {
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

// feature is a decoded GeoJSON feature. A nil Geometry means the feature had none.
type feature struct {
	Geometry orb.Geometry
	Attrs    attributes
}

// GeoJSONParser reads FeatureCollections.
type GeoJSONParser struct {
	location *time.Location
}

// NewGeoJSONParser returns a parser reading naive acq_date values in loc.
func NewGeoJSONParser(loc *time.Location) *GeoJSONParser {
	if loc == nil {
		loc = time.UTC
	}
	return &GeoJSONParser{location: loc}
}

// decodeCollection walks the features of a FeatureCollection, calling fn for
// each. Features that fail to decode are reported as skipped.
func decodeCollection(data []byte, skip func(int, string, ...any), fn func(int, feature)) (int, error) {
	var fc rawCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return 0, fmt.Errorf("failed to process GeoJSON: %w", err)
	}
	if fc.Type != "FeatureCollection" {
		return 0, fmt.Errorf("GeoJSON must be a FeatureCollection")
	}

	for i, raw := range fc.Features {
		var rf rawFeature
		if err := json.Unmarshal(raw, &rf); err != nil {
			skip(i, "decode feature: %v", err)
			continue
		}
		f := feature{Attrs: newAttributes(rf.Properties)}
		if g := bytes.TrimSpace(rf.Geometry); len(g) > 0 && !bytes.Equal(g, []byte("null")) {
			geom, err := geojson.UnmarshalGeometry(g)
			if err != nil {
				skip(i, "decode geometry: %v", err)
				continue
			}
			f.Geometry = geom.Geometry()
		}
		fn(i, f)
	}
	return len(fc.Features), nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("file not found at %s: %w", path, err)
	}
	return data, nil
}

// ParseProvincesFile parses province boundaries from a GeoJSON file.
func (p *GeoJSONParser) ParseProvincesFile(path string) (*Result[geodata.Province], error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return p.ParseProvinces(data)
}

// ParseProvinces parses province boundaries from GeoJSON bytes.
func (p *GeoJSONParser) ParseProvinces(data []byte) (*Result[geodata.Province], error) {
	result := &Result[geodata.Province]{}
	total, err := decodeCollection(data, result.skip, func(i int, f feature) {
		if f.Geometry == nil {
			result.skip(i, "feature has no geometry")
			return
		}
		pcode := f.Attrs.first(geoJSONProvincePCode)
		if pcode == "" {
			result.skip(i, "missing PCODE, available properties: %v", f.Attrs.keys())
			return
		}
		name := f.Attrs.first(geoJSONProvinceName)
		if name == "" {
			result.skip(i, "missing NAME, available properties: %v", f.Attrs.keys())
			return
		}
		mp, err := ToMultiPolygon(f.Geometry)
		if err != nil {
			result.skip(i, "%v", err)
			return
		}
		result.Records = append(result.Records, geodata.Province{Name: name, PCode: pcode, Geometry: mp})
	})
	if err != nil {
		return nil, err
	}
	result.Total = total
	return result, nil
}

// ParseDistrictsFile parses district boundaries from a GeoJSON file.
func (p *GeoJSONParser) ParseDistrictsFile(path string) (*Result[DistrictRecord], error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return p.ParseDistricts(data)
}

// ParseDistricts parses district boundaries from GeoJSON bytes.
func (p *GeoJSONParser) ParseDistricts(data []byte) (*Result[DistrictRecord], error) {
	result := &Result[DistrictRecord]{}
	total, err := decodeCollection(data, result.skip, func(i int, f feature) {
		if f.Geometry == nil {
			result.skip(i, "feature has no geometry")
			return
		}
		pcode := f.Attrs.first(geoJSONDistrictPCode)
		if pcode == "" {
			result.skip(i, "missing district PCODE, available properties: %v", f.Attrs.keys())
			return
		}
		name := f.Attrs.first(geoJSONDistrictName)
		if name == "" {
			result.skip(i, "missing district NAME, available properties: %v", f.Attrs.keys())
			return
		}
		mp, err := ToMultiPolygon(f.Geometry)
		if err != nil {
			result.skip(i, "%v", err)
			return
		}
		parentName := f.Attrs.first(geoJSONParentName)
		result.Records = append(result.Records, DistrictRecord{
			District:    geodata.District{Name: name, PCode: pcode, ProvinceName: parentName, Geometry: mp},
			ParentPCode: f.Attrs.first(geoJSONParentPCode),
			ParentName:  parentName,
		})
	})
	if err != nil {
		return nil, err
	}
	result.Total = total
	return result, nil
}

// ParseFirePointsFile parses fire detections from a GeoJSON file.
func (p *GeoJSONParser) ParseFirePointsFile(path string) (*Result[geodata.FirePoint], error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return p.ParseFirePoints(data)
}

// ParseFirePoints parses Point features carrying an acq_date property.
func (p *GeoJSONParser) ParseFirePoints(data []byte) (*Result[geodata.FirePoint], error) {
	result := &Result[geodata.FirePoint]{}
	total, err := decodeCollection(data, result.skip, func(i int, f feature) {
		if f.Geometry == nil {
			result.skip(i, "feature has no geometry")
			return
		}
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			result.skip(i, "unsupported geometry type: %s", f.Geometry.GeoJSONType())
			return
		}
		acq, err := ParseAcquisitionTime(f.Attrs["acq_date"], f.Attrs["acq_time"], p.location)
		if err != nil {
			result.skip(i, "%v", err)
			return
		}
		brightness, err := optionalAttr(f.Attrs, "brightness")
		if err != nil {
			result.skip(i, "%v", err)
			return
		}
		frp, err := optionalAttr(f.Attrs, "frp")
		if err != nil {
			result.skip(i, "%v", err)
			return
		}
		fp := geodata.FirePoint{
			Latitude:   pt.Lat(),
			Longitude:  pt.Lon(),
			AcquiredAt: acq,
			Brightness: brightness,
			FRP:        frp,
			Confidence: parseConfidence(f.Attrs["confidence"]),
		}
		if err := fp.Validate(); err != nil {
			result.skip(i, "%v", err)
			return
		}
		result.Records = append(result.Records, fp)
	})
	if err != nil {
		return nil, err
	}
	result.Total = total
	return result, nil
}

func optionalAttr(attrs attributes, name string) (*float64, error) {
	raw, ok := attrs[name]
	if !ok || raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	return &v, nil
}
