package host

import (
	"errors"
	"testing"

	"github.com/layersync/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	events    []string
	added     []*Feature
	removed   []FeatureID
	changed   []FeatureID
	attrs     []models.Attribute
	deleted   []int
	commitErr error
}

func (r *recordingListener) OnFeaturesAdded(features []*Feature) {
	r.events = append(r.events, "added")
	r.added = append(r.added, features...)
}

func (r *recordingListener) OnFeaturesRemoved(ids []FeatureID) {
	r.events = append(r.events, "removed")
	r.removed = append(r.removed, ids...)
}

func (r *recordingListener) OnFeaturesChanged(ids []FeatureID) {
	r.events = append(r.events, "changed")
	r.changed = append(r.changed, ids...)
}

func (r *recordingListener) OnAttributesAdded(attrs []models.Attribute) {
	r.events = append(r.events, "attributes-added")
	r.attrs = append(r.attrs, attrs...)
}

func (r *recordingListener) OnAttributesDeleted(indexes []int) {
	r.events = append(r.events, "attributes-deleted")
	r.deleted = append(r.deleted, indexes...)
}

func (r *recordingListener) OnCommitted() error {
	r.events = append(r.events, "committed")
	return r.commitErr
}

func newPointLayer(t *testing.T) *MemoryLayer {
	t.Helper()
	layer, err := NewMemoryLayer("signs", models.GeometryPoint, 4326, []models.Attribute{
		{Name: "code", Type: models.AttrString},
	}, nil)
	require.NoError(t, err)
	return layer
}

func TestMemoryLayerStoreWrites(t *testing.T) {
	layer := newPointLayer(t)
	rec := &recordingListener{}
	layer.Subscribe(rec)

	ids, err := layer.AddFeatures([]*Feature{
		{Geometry: models.NewPoint(1, 2, 0), Attributes: []any{"a"}},
		{Geometry: models.NewPoint(3, 4, 0)},
	})
	require.NoError(t, err)
	assert.Equal(t, []FeatureID{1, 2}, ids)
	assert.Equal(t, 2, layer.FeatureCount())

	f, ok := layer.Feature(2)
	require.True(t, ok)
	assert.Equal(t, []any{nil}, f.Attributes)

	require.NoError(t, layer.ChangeAttributeValues(map[FeatureID]map[int]any{1: {0: "b"}}))
	f, _ = layer.Feature(1)
	assert.Equal(t, "b", f.Attributes[0])

	err = layer.DeleteFeatures([]FeatureID{1, 99})
	assert.True(t, errors.Is(err, ErrFeatureNotFound))
	assert.Equal(t, 2, layer.FeatureCount())

	require.NoError(t, layer.DeleteFeatures([]FeatureID{1}))
	assert.Equal(t, []string{"added", "changed", "removed"}, rec.events)
}

func TestMemoryLayerRejectsOtherGeometryKinds(t *testing.T) {
	layer := newPointLayer(t)
	_, err := layer.AddFeatures([]*Feature{{Geometry: models.Geometry{Type: "LineString"}}})
	assert.True(t, errors.Is(err, models.ErrGeometryMismatch))
}

func TestMemoryLayerEditSession(t *testing.T) {
	layer := newPointLayer(t)
	ids, err := layer.AddFeatures([]*Feature{
		{Geometry: models.NewPoint(1, 2, 0), Attributes: []any{"a"}},
		{Geometry: models.NewPoint(3, 4, 0), Attributes: []any{"b"}},
	})
	require.NoError(t, err)

	rec := &recordingListener{}
	layer.Subscribe(rec)

	_, err = layer.AddFeature(&Feature{Geometry: models.NewPoint(0, 0, 0)})
	assert.ErrorIs(t, err, ErrNotEditing)

	require.NoError(t, layer.StartEditing())
	tmp, err := layer.AddFeature(&Feature{Geometry: models.NewPoint(5, 6, 0), Attributes: []any{"c"}})
	require.NoError(t, err)
	assert.Less(t, int64(tmp), int64(0))
	require.NoError(t, layer.ChangeGeometry(ids[0], models.NewPoint(9, 9, 0)))
	require.NoError(t, layer.DeleteFeature(ids[1]))
	require.NoError(t, layer.AddAttribute(models.Attribute{Name: "height", Type: models.AttrFloat}))

	// Nothing reaches the store before the commit.
	assert.Equal(t, 2, layer.FeatureCount())
	assert.Empty(t, rec.events)

	require.NoError(t, layer.CommitChanges())
	assert.False(t, layer.IsEditing())
	assert.Equal(t, []string{"attributes-added", "removed", "added", "changed", "committed"}, rec.events)
	assert.Equal(t, []FeatureID{ids[1]}, rec.removed)
	assert.Equal(t, []FeatureID{ids[0]}, rec.changed)
	require.Len(t, rec.added, 1)
	assert.Equal(t, FeatureID(3), rec.added[0].ID)
	assert.Equal(t, []any{"c", nil}, rec.added[0].Attributes)

	assert.Len(t, layer.Fields(), 2)
	f, ok := layer.Feature(ids[0])
	require.True(t, ok)
	assert.Equal(t, []float64{9, 9, 0}, f.Geometry.Coordinates)
	assert.Equal(t, []any{"a", nil}, f.Attributes)
}

func TestMemoryLayerCommitReturnsListenerError(t *testing.T) {
	layer := newPointLayer(t)
	rec := &recordingListener{commitErr: errors.New("remote down")}
	layer.Subscribe(rec)

	require.NoError(t, layer.StartEditing())
	_, err := layer.AddFeature(&Feature{Geometry: models.NewPoint(1, 1, 0)})
	require.NoError(t, err)

	err = layer.CommitChanges()
	assert.EqualError(t, err, "remote down")
	assert.Equal(t, 1, layer.FeatureCount())
}

func TestMemoryLayerSchemaOpsKeepOrder(t *testing.T) {
	layer := newPointLayer(t)
	rec := &recordingListener{}
	layer.Subscribe(rec)

	require.NoError(t, layer.StartEditing())
	require.NoError(t, layer.AddAttribute(models.Attribute{Name: "a", Type: models.AttrInt}))
	require.NoError(t, layer.AddAttribute(models.Attribute{Name: "b", Type: models.AttrInt}))
	require.NoError(t, layer.DeleteAttribute(1))
	require.NoError(t, layer.CommitChanges())

	assert.Equal(t, []string{"attributes-added", "attributes-added", "attributes-deleted", "committed"}, rec.events)
	assert.Equal(t, []int{1}, rec.deleted)
	assert.Equal(t, []models.Attribute{
		{Name: "code", Type: models.AttrString},
		{Name: "b", Type: models.AttrInt},
	}, layer.Fields())
}

func TestUnsubscribe(t *testing.T) {
	layer := newPointLayer(t)
	rec := &recordingListener{}
	unsubscribe := layer.Subscribe(rec)
	unsubscribe()

	_, err := layer.AddFeatures([]*Feature{{Geometry: models.NewPoint(1, 2, 0)}})
	require.NoError(t, err)
	assert.Empty(t, rec.events)
}

func TestMemoryProjectRemoveLayerNotifies(t *testing.T) {
	project := NewMemoryProject(4326)
	layer, err := project.NewLayer("signs", models.GeometryPoint, 4326, nil)
	require.NoError(t, err)
	require.NoError(t, project.AddLayer(layer))

	var removed []string
	project.OnLayersRemoved(func(ids []string) { removed = append(removed, ids...) })

	require.NoError(t, project.RemoveLayer(layer.ID()))
	assert.Equal(t, []string{layer.ID()}, removed)
	_, ok := project.Layer(layer.ID())
	assert.False(t, ok)
	assert.Error(t, project.RemoveLayer(layer.ID()))
}
