package engine

import (
	"context"

	"github.com/layersync/backend/internal/models"
)

// Store is the remote data API the engine writes to. Each call is one
// request; the engine never retries.
type Store interface {
	ListLayers(ctx context.Context) ([]models.LayerRecord, error)
	CreateLayer(ctx context.Context, layer models.LayerRecord) error
	RenameLayer(ctx context.Context, id, name string) error
	DropLayer(ctx context.Context, id string) error
	MergeSubLayer(ctx context.Context, id string) error
	UpdateAttributeSchema(ctx context.Context, layerID string, attrs []models.Attribute) error

	ListFeatures(ctx context.Context, kind models.GeometryKind, layerID string) ([]models.FeatureRecord, error)
	InsertFeature(ctx context.Context, rec models.FeatureRecord) error
	InsertFeatures(ctx context.Context, recs []models.FeatureRecord) error
	UpdateFeature(ctx context.Context, rec models.FeatureRecord) error
	DeleteFeature(ctx context.Context, kind models.GeometryKind, id string) error
}
