package models

import (
	"fmt"
)

// GeometryKind is the layer-level geometry category.
type GeometryKind string

const (
	GeometryPoint   GeometryKind = "point"
	GeometryLine    GeometryKind = "line"
	GeometryPolygon GeometryKind = "polygon"
)

var wireGeometryTypes = map[GeometryKind]string{
	GeometryPoint:   "Point",
	GeometryLine:    "LineString",
	GeometryPolygon: "Polygon",
}

// Valid reports whether k is one of the known kinds.
func (k GeometryKind) Valid() bool {
	_, ok := wireGeometryTypes[k]
	return ok
}

// WireType returns the GeoJSON geometry type used on the wire.
func (k GeometryKind) WireType() string {
	return wireGeometryTypes[k]
}

// Table returns the remote feature table that stores features of this kind.
func (k GeometryKind) Table() string {
	return string(k) + "s"
}

// GeometryKindFromWire maps a wire geometry type back to its kind.
func GeometryKindFromWire(wireType string) (GeometryKind, error) {
	for kind, t := range wireGeometryTypes {
		if t == wireType {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedGeometry, wireType)
}

// Geometry is the wire geometry object. Coordinates hold nested float lists
// as produced by encoding/json ([]any) or by NewPoint ([]float64).
type Geometry struct {
	Type        string `json:"type" msgpack:"type"`
	Coordinates any    `json:"coordinates" msgpack:"coordinates"`
}

// NewPoint builds a 3D point geometry.
func NewPoint(x, y, z float64) Geometry {
	return Geometry{Type: "Point", Coordinates: []float64{x, y, z}}
}

// Kind returns the geometry kind for the wire type.
func (g Geometry) Kind() (GeometryKind, error) {
	return GeometryKindFromWire(g.Type)
}

// Point returns the coordinates of a point geometry. A missing z is 0.
func (g Geometry) Point() (x, y, z float64, err error) {
	if g.Type != "Point" {
		return 0, 0, 0, fmt.Errorf("%w: expected Point, got %q", ErrGeometryMismatch, g.Type)
	}
	coords, err := floats(g.Coordinates)
	if err != nil {
		return 0, 0, 0, err
	}
	switch len(coords) {
	case 2:
		return coords[0], coords[1], 0, nil
	case 3:
		return coords[0], coords[1], coords[2], nil
	default:
		return 0, 0, 0, fmt.Errorf("invalid point with %d coordinates", len(coords))
	}
}

func floats(v any) ([]float64, error) {
	switch c := v.(type) {
	case []float64:
		return c, nil
	case []any:
		out := make([]float64, len(c))
		for i, item := range c {
			f, ok := toFloat(item)
			if !ok {
				return nil, fmt.Errorf("invalid coordinate %v", item)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("invalid coordinates %T", v)
	}
}
