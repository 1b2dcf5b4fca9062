package parser

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
)

var ErrInvalidGeometry = errors.New("invalid geometry")

// ToMultiPolygon accepts a Polygon or MultiPolygon and returns a repaired
// MultiPolygon. Unclosed rings are closed; rings with fewer than four
// positions are dropped, and a polygon whose outer ring is dropped goes with it.
func ToMultiPolygon(g orb.Geometry) (orb.MultiPolygon, error) {
	var mp orb.MultiPolygon
	switch v := g.(type) {
	case orb.Polygon:
		mp = orb.MultiPolygon{v}
	case orb.MultiPolygon:
		mp = v
	case nil:
		return nil, fmt.Errorf("%w: empty", ErrInvalidGeometry)
	default:
		return nil, fmt.Errorf("unsupported geometry type: %s", g.GeoJSONType())
	}

	out := make(orb.MultiPolygon, 0, len(mp))
	for _, poly := range mp {
		fixed := make(orb.Polygon, 0, len(poly))
		for i, ring := range poly {
			r := closeRing(ring)
			if len(r) < 4 {
				if i == 0 {
					break
				}
				continue
			}
			fixed = append(fixed, r)
		}
		if len(fixed) > 0 {
			out = append(out, fixed)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no valid polygon rings", ErrInvalidGeometry)
	}
	return out, nil
}

func closeRing(ring orb.Ring) orb.Ring {
	r := make(orb.Ring, len(ring), len(ring)+1)
	copy(r, ring)
	if len(r) > 0 && !r.Closed() {
		r = append(r, r[0])
	}
	return r
}

// assembleRings groups shapefile rings into polygons. Clockwise rings are
// outer boundaries, counter-clockwise rings are holes of the preceding one.
func assembleRings(rings []orb.Ring) orb.MultiPolygon {
	var mp orb.MultiPolygon
	for _, ring := range rings {
		if len(mp) == 0 || ring.Orientation() == orb.CW {
			mp = append(mp, orb.Polygon{ring})
			continue
		}
		last := len(mp) - 1
		mp[last] = append(mp[last], ring)
	}
	return mp
}
