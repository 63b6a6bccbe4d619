package manifest

import (
	"cmp"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/layersync/backend/internal/host"
	"github.com/layersync/backend/internal/models"
)

// ReadGeoJSON loads a FeatureCollection of points into a new memory layer.
// When fields is empty the schema is inferred from the feature properties,
// sorted by name.
func ReadGeoJSON(r io.Reader, name string, srid int, fields []models.Attribute) (*host.MemoryLayer, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parsing geojson: %w", err)
	}

	points := make([]orb.Point, len(fc.Features))
	for i, f := range fc.Features {
		p, ok := f.Geometry.(orb.Point)
		if !ok {
			geomType := "null"
			if f.Geometry != nil {
				geomType = f.Geometry.GeoJSONType()
			}
			return nil, models.NewValidationError(fmt.Sprintf("features[%d].geometry", i), geomType, models.ErrUnsupportedGeometry)
		}
		points[i] = p
	}

	if len(fields) == 0 {
		fields = inferFields(fc.Features)
	}

	layer, err := host.NewMemoryLayer(name, models.GeometryPoint, srid, fields, nil)
	if err != nil {
		return nil, err
	}
	features := make([]*host.Feature, len(fc.Features))
	for i, f := range fc.Features {
		attrs := make([]any, len(fields))
		for j, field := range fields {
			attrs[j] = coerce(f.Properties[field.Name], field.Type)
		}
		features[i] = &host.Feature{
			Geometry:   models.NewPoint(points[i][0], points[i][1], 0),
			Attributes: attrs,
		}
	}
	if len(features) > 0 {
		if _, err := layer.AddFeatures(features); err != nil {
			return nil, err
		}
	}
	return layer, nil
}

// WriteGeoJSON exports the committed features of a layer.
func WriteGeoJSON(layer host.EditableLayer) (*geojson.FeatureCollection, error) {
	fields := layer.Fields()
	fc := geojson.NewFeatureCollection()
	for _, f := range layer.Features() {
		x, y, _, err := f.Geometry.Point()
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", f.ID, err)
		}
		feature := geojson.NewFeature(orb.Point{x, y})
		feature.ID = int64(f.ID)
		for i, field := range fields {
			if i < len(f.Attributes) {
				feature.Properties[field.Name] = models.ToRemoteValue(f.Attributes[i], field.Type)
			}
		}
		fc.Append(feature)
	}
	return fc, nil
}

func inferFields(features []*geojson.Feature) []models.Attribute {
	types := make(map[string]models.AttributeType)
	for _, f := range features {
		for key, value := range f.Properties {
			t, ok := valueType(value)
			if !ok {
				if _, seen := types[key]; !seen {
					types[key] = ""
				}
				continue
			}
			types[key] = widen(types[key], t)
		}
	}

	fields := make([]models.Attribute, 0, len(types))
	for name, t := range types {
		if t == "" {
			t = models.AttrString
		}
		fields = append(fields, models.Attribute{Name: name, Type: t})
	}
	slices.SortFunc(fields, func(a, b models.Attribute) int { return cmp.Compare(a.Name, b.Name) })
	return fields
}

func valueType(v any) (models.AttributeType, bool) {
	switch val := v.(type) {
	case bool:
		return models.AttrBool, true
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return models.AttrInt, true
		}
		return models.AttrFloat, true
	case string:
		return models.AttrString, true
	}
	return "", false
}

// widen merges two observed types: int widens to float, anything else
// mixed becomes a string.
func widen(have, seen models.AttributeType) models.AttributeType {
	switch {
	case have == "" || have == seen:
		return seen
	case have == models.AttrInt && seen == models.AttrFloat,
		have == models.AttrFloat && seen == models.AttrInt:
		return models.AttrFloat
	}
	return models.AttrString
}

func coerce(v any, t models.AttributeType) any {
	if v == nil {
		return nil
	}
	local := models.ToLocalValue(v, t)
	if t == models.AttrString {
		if _, ok := local.(string); !ok {
			return fmt.Sprint(v)
		}
	}
	return local
}
