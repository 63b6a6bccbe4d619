package engine

import (
	"fmt"

	"github.com/layersync/backend/internal/geo"
	"github.com/layersync/backend/internal/host"
	"github.com/layersync/backend/internal/models"
)

// featureToRecord builds the wire record of a local feature. fields gives
// the names and types of the feature's attributes.
func featureToRecord(f *host.Feature, fields []models.Attribute, layerID, remoteID string) (models.FeatureRecord, error) {
	g, err := geo.Force3D(f.Geometry)
	if err != nil {
		return models.FeatureRecord{}, err
	}
	attrs := make(map[string]any, len(fields))
	for i, field := range fields {
		if field.Name == "" {
			continue
		}
		var v any
		if i < len(f.Attributes) {
			v = f.Attributes[i]
		}
		attrs[field.Name] = models.ToRemoteValue(v, field.Type)
	}
	return models.FeatureRecord{
		ID:         remoteID,
		LayerID:    layerID,
		Attributes: attrs,
		Geom:       g,
	}, nil
}

// recordToFeature builds a local feature from a wire record. Only point
// geometries are supported.
func recordToFeature(rec models.FeatureRecord, fields []models.Attribute, kind models.GeometryKind) (*host.Feature, error) {
	recKind, err := rec.GeometryKind()
	if err != nil {
		return nil, err
	}
	if recKind != kind {
		return nil, fmt.Errorf("%w: record %s is %s, layer is %s", models.ErrGeometryMismatch, rec.ID, recKind, kind)
	}
	if kind != models.GeometryPoint {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedGeometry, kind)
	}
	x, y, z, err := rec.Geom.Point()
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	attrs := make([]any, len(fields))
	for i, field := range fields {
		attrs[i] = models.ToLocalValue(rec.Attributes[field.Name], field.Type)
	}
	return &host.Feature{Geometry: models.NewPoint(x, y, z), Attributes: attrs}, nil
}
