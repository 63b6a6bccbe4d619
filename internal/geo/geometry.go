// Package geo holds the geometry helpers shared by the sync engine and the
// presence tracker: 3D normalization, fixed precision comparison and
// reprojection between the supported reference systems.
package geo

import (
	"fmt"
	"math"

	"github.com/layersync/backend/internal/models"
	"github.com/paulmach/orb"
)

// ComparePrecision is the number of decimals used to compare coordinates.
const ComparePrecision = 8

// Force3D returns g with every position normalized to three components.
// Missing z values default to 0.
func Force3D(g models.Geometry) (models.Geometry, error) {
	coords, err := force3D(g.Coordinates)
	if err != nil {
		return g, fmt.Errorf("force 3d %s: %w", g.Type, err)
	}
	return models.Geometry{Type: g.Type, Coordinates: coords}, nil
}

func force3D(coords any) (any, error) {
	switch c := coords.(type) {
	case []float64:
		return pad(c)
	case [][]float64:
		out := make([]any, len(c))
		for i, pos := range c {
			p, err := pad(pos)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	case []any:
		if len(c) == 0 {
			return c, nil
		}
		switch c[0].(type) {
		case []any, []float64:
			out := make([]any, len(c))
			for i, item := range c {
				v, err := force3D(item)
				if err != nil {
					return nil, err
				}
				out[i] = v
			}
			return out, nil
		}
		pos := make([]float64, len(c))
		for i, item := range c {
			f, ok := item.(float64)
			if !ok {
				return nil, fmt.Errorf("invalid coordinate %v", item)
			}
			pos[i] = f
		}
		return pad(pos)
	case nil:
		return nil, fmt.Errorf("missing coordinates")
	}
	return nil, fmt.Errorf("invalid coordinates %T", coords)
}

func pad(pos []float64) ([]float64, error) {
	switch len(pos) {
	case 2:
		return []float64{pos[0], pos[1], 0}, nil
	case 3:
		return []float64{pos[0], pos[1], pos[2]}, nil
	}
	return nil, fmt.Errorf("invalid position with %d values", len(pos))
}

// Round rounds v to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}

// SameCoordinate compares two values at ComparePrecision decimals. Values
// closer than one unit of the last decimal are equal even when they round
// to different neighbours.
func SameCoordinate(a, b float64) bool {
	if Round(a, ComparePrecision) == Round(b, ComparePrecision) {
		return true
	}
	return math.Abs(a-b) < math.Pow10(-ComparePrecision)
}

// SamePoint compares two 3D points coordinate by coordinate.
func SamePoint(a, b [3]float64) bool {
	for i := range a {
		if !SameCoordinate(a[i], b[i]) {
			return false
		}
	}
	return true
}

// PointOf returns the XYZ of a point geometry.
func PointOf(g models.Geometry) ([3]float64, error) {
	x, y, z, err := g.Point()
	return [3]float64{x, y, z}, err
}

// Extent returns the 2D bounds of the given point geometries. Non point
// geometries are skipped.
func Extent(geoms []models.Geometry) orb.Bound {
	var mp orb.MultiPoint
	for _, g := range geoms {
		x, y, _, err := g.Point()
		if err != nil {
			continue
		}
		mp = append(mp, orb.Point{x, y})
	}
	if len(mp) == 0 {
		return orb.Bound{}
	}
	return mp.Bound()
}
