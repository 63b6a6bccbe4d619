// Package host defines the capabilities the sync engine needs from the map
// application hosting the editable layers, and ships an in-memory
// implementation used by the agent and the tests.
package host

import (
	"slices"

	"github.com/layersync/backend/internal/models"
	"github.com/paulmach/orb"
)

// FeatureID is the local identifier assigned by a layer's data store.
// Features pending in an edit session carry negative ids.
type FeatureID int64

// Feature is a local feature. Attributes follow the layer's field order.
type Feature struct {
	ID         FeatureID
	Geometry   models.Geometry
	Attributes []any
}

// Clone returns a copy that shares no slices with f.
func (f *Feature) Clone() *Feature {
	c := &Feature{ID: f.ID, Geometry: f.Geometry, Attributes: slices.Clone(f.Attributes)}
	if coords, ok := f.Geometry.Coordinates.([]float64); ok {
		c.Geometry.Coordinates = slices.Clone(coords)
	}
	return c
}

// EditListener receives the committed changes of a layer. The five change
// hooks fire first, in the order the edits were applied, then OnCommitted
// closes the commit. OnCommitted errors are returned by CommitChanges.
type EditListener interface {
	OnFeaturesAdded(features []*Feature)
	OnFeaturesRemoved(ids []FeatureID)
	OnFeaturesChanged(ids []FeatureID)
	OnAttributesAdded(attrs []models.Attribute)
	OnAttributesDeleted(indexes []int)
	OnCommitted() error
}

// EditableLayer is a vector layer the user can edit.
//
// The data store methods (AddFeatures, DeleteFeatures, ChangeAttributeValues,
// ChangeGeometryValues, Truncate) write through immediately and notify
// listeners with the matching change hook but never with OnCommitted. The
// edit session methods buffer changes until CommitChanges.
type EditableLayer interface {
	ID() string
	Name() string
	SetName(name string)
	GeometryKind() models.GeometryKind
	SRID() int
	Fields() []models.Attribute

	Feature(id FeatureID) (*Feature, bool)
	Features() []*Feature
	FeatureCount() int
	Extent() orb.Bound

	AddFeatures(features []*Feature) ([]FeatureID, error)
	DeleteFeatures(ids []FeatureID) error
	ChangeAttributeValues(changes map[FeatureID]map[int]any) error
	ChangeGeometryValues(changes map[FeatureID]models.Geometry) error
	Truncate() error
	TriggerRepaint()

	StartEditing() error
	IsEditing() bool
	AddFeature(f *Feature) (FeatureID, error)
	DeleteFeature(id FeatureID) error
	ChangeAttributeValue(id FeatureID, field int, value any) error
	ChangeGeometry(id FeatureID, g models.Geometry) error
	AddAttribute(attr models.Attribute) error
	DeleteAttribute(field int) error
	CommitChanges() error
	RollBack()

	Select(ids []FeatureID)
	SelectedFeatureIDs() []FeatureID

	Subscribe(l EditListener) (unsubscribe func())
}

// Project is the map document holding the layers and the canvas.
type Project interface {
	NewLayer(name string, kind models.GeometryKind, srid int, fields []models.Attribute) (EditableLayer, error)
	AddLayer(l EditableLayer) error
	RemoveLayer(id string) error
	Layer(id string) (EditableLayer, bool)
	Layers() []EditableLayer
	OnLayersRemoved(fn func(ids []string)) (unsubscribe func())

	CanvasSRID() int
	SetCenter(x, y float64)
	Refresh()
}
