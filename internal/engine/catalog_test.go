package engine

import (
	"testing"

	"github.com/layersync/backend/internal/host"
	"github.com/layersync/backend/internal/models"
	"github.com/layersync/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchLayersSortsByName(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedPoints("b", "zebra", 0)
	f.seedPoints("a", "alpha", 0)

	require.NoError(t, f.engine.FetchLayers(t.Context()))

	layers := f.engine.Layers()
	require.Len(t, layers, 2)
	assert.Equal(t, "alpha", layers[0].Name())
	assert.Equal(t, "zebra", layers[1].Name())
	assert.Equal(t, StateUnmaterialized, layers[0].State())

	l, ok := f.engine.LayerByName("zebra")
	require.True(t, ok)
	assert.Equal(t, "b", l.ID())
	assert.Len(t, f.eventsOf(EventCatalogChanged), 1)
}

func TestFetchLayersKeepsLoadedState(t *testing.T) {
	f := newFixture(t, Options{})
	l, _ := f.loaded(t, "a", 2)
	f.seedPoints("b", "other", 0)

	require.NoError(t, f.engine.FetchLayers(t.Context()))

	assert.Len(t, f.engine.Layers(), 2)
	same, _ := f.engine.Layer("a")
	assert.Same(t, l, same)
	assert.True(t, same.IsLoaded())
}

func TestFetchLayersFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.FailNext("ListLayers", errBoom)
	assert.ErrorIs(t, f.engine.FetchLayers(t.Context()), errBoom)
}

func TestAddLayerLoadsAndBinds(t *testing.T) {
	f := newFixture(t, Options{})
	l, counting := f.loaded(t, "a", 9)

	assert.Equal(t, StateLoaded, l.State())
	assert.Equal(t, 9, counting.FeatureCount())
	assert.Equal(t, 9, l.IDs().Len())

	// Bijection: each remote id maps to a distinct local id and back.
	seen := make(map[host.FeatureID]bool)
	for _, rec := range f.store.Features("a") {
		local, ok := l.IDs().LocalFor(rec.ID)
		require.True(t, ok)
		assert.False(t, seen[local])
		seen[local] = true
		remote, ok := l.IDs().RemoteFor(local)
		require.True(t, ok)
		assert.Equal(t, rec.ID, remote)
	}

	feat := localFor(t, l, "a-f3")
	assert.Equal(t, []any{"p3", int64(3)}, feat.Attributes)

	_, inProject := f.project.Layer(counting.ID())
	assert.True(t, inProject)
	assert.Len(t, f.eventsOf(EventLayerLoaded), 1)
	assert.True(t, f.project.RefreshCount() > 0)
}

func TestAddLayerTwiceIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	f.loaded(t, "a", 3)

	require.NoError(t, f.engine.AddLayer(t.Context(), "a"))
	assert.Empty(t, f.store.Calls("ListFeatures"))
}

func TestAddLayerUnknown(t *testing.T) {
	f := newFixture(t, Options{})
	assert.ErrorIs(t, f.engine.AddLayer(t.Context(), "missing"), ErrLayerNotFound)
}

func TestAddLayerRejectsUnsupportedGeometry(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.AddLayer(models.LayerRecord{ID: "l", Name: "lines", GeometryType: models.GeometryLine, SRID: models.SRIDWGS84})
	require.NoError(t, f.engine.FetchLayers(t.Context()))

	err := f.engine.AddLayer(t.Context(), "l")
	assert.ErrorIs(t, err, models.ErrUnsupportedGeometry)
	assert.Empty(t, f.project.Layers())
}

func TestAddLayerRejectsUnsupportedSRID(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.AddLayer(models.LayerRecord{ID: "l", Name: "bad", GeometryType: models.GeometryPoint, SRID: 9999})
	require.NoError(t, f.engine.FetchLayers(t.Context()))

	err := f.engine.AddLayer(t.Context(), "l")
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.ErrorIs(t, err, models.ErrUnsupportedSRID)
}

func TestLoadFeaturesFailsFastOnGeometryMismatch(t *testing.T) {
	f := newFixture(t, Options{})
	line := models.FeatureRecord{
		ID:   "line",
		Geom: models.Geometry{Type: "LineString", Coordinates: []any{[]any{0.0, 0.0}, []any{1.0, 1.0}}},
	}
	f.seedPoints("a", "mixed", 2)
	f.store.AddLayer(models.LayerRecord{ID: "a", Name: "mixed", GeometryType: models.GeometryPoint, SRID: models.SRIDWGS84, Attributes: pointFields}, line)
	require.NoError(t, f.engine.FetchLayers(t.Context()))

	err := f.engine.AddLayer(t.Context(), "a")
	assert.ErrorIs(t, err, models.ErrGeometryMismatch)

	l, _ := f.engine.Layer("a")
	assert.Equal(t, StateMaterialized, l.State())
	assert.Equal(t, 0, f.project.layers["mixed"].FeatureCount())
	assert.Equal(t, 0, l.IDs().Len())
}

func TestAddLayerAsync(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedPoints("a", "async", 4)
	require.NoError(t, f.engine.FetchLayers(t.Context()))

	done := make(chan error, 1)
	f.engine.AddLayerAsync(t.Context(), "a", func(err error) { done <- err })
	require.NoError(t, <-done)

	l, _ := f.engine.Layer("a")
	assert.True(t, l.IsLoaded())
	assert.Equal(t, 4, l.IDs().Len())
}

func TestRemoveLayerKeepsCatalogAndBindings(t *testing.T) {
	f := newFixture(t, Options{})
	l, counting := f.loaded(t, "a", 3)

	require.NoError(t, f.engine.RemoveLayer("a"))

	assert.Equal(t, StateDetached, l.State())
	assert.Equal(t, 3, l.IDs().Len())
	_, inProject := f.project.Layer(counting.ID())
	assert.False(t, inProject)
	assert.Len(t, f.eventsOf(EventLayerUnloaded), 1)

	// Reloading rebinds every remote id to the new local features.
	require.NoError(t, f.engine.AddLayer(t.Context(), "a"))
	assert.Equal(t, 3, l.IDs().Len())
	assert.True(t, l.IsLoaded())
}

func TestReloadDropsStaleBindings(t *testing.T) {
	f := newFixture(t, Options{StrictErrors: true})
	l, _ := f.loaded(t, "a", 9)

	require.NoError(t, f.engine.RemoveLayer("a"))
	// Deleted remotely while the layer was detached.
	require.NoError(t, f.store.DeleteFeature(t.Context(), models.GeometryPoint, "a-f9"))
	require.NoError(t, f.engine.AddLayer(t.Context(), "a"))
	assert.Equal(t, 8, l.IDs().Len())
	_, ok := l.IDs().LocalFor("a-f9")
	assert.False(t, ok)
	f.store.ResetCalls()

	counting := f.project.layers["layer a"]
	require.NoError(t, edit(t, counting, func() {
		_, err := counting.AddFeature(newPoint("fresh", 5, 5))
		require.NoError(t, err)
	}))

	assert.Len(t, f.store.Calls("InsertFeature"), 1)
	assert.Equal(t, 9, l.IDs().Len())
}

func TestHostRemovalDetachesLayer(t *testing.T) {
	f := newFixture(t, Options{})
	l, counting := f.loaded(t, "a", 2)

	require.NoError(t, f.project.RemoveLayer(counting.ID()))

	assert.Equal(t, StateDetached, l.State())
	_, ok := l.Materialized()
	assert.False(t, ok)
}

func TestRemoveAllLayers(t *testing.T) {
	f := newFixture(t, Options{})
	a, _ := f.loaded(t, "a", 1)
	b, _ := f.loaded(t, "b", 1)

	f.engine.RemoveAllLayers()

	assert.Equal(t, StateDetached, a.State())
	assert.Equal(t, StateDetached, b.State())
	assert.Empty(t, f.project.Layers())
}

func TestImportLayerRejectsUnsupportedSRIDWithoutCalls(t *testing.T) {
	f := newFixture(t, Options{})
	src, err := host.NewMemoryLayer("src", models.GeometryPoint, 9999, pointFields, nil)
	require.NoError(t, err)

	_, err = f.engine.ImportLayer(t.Context(), src, ImportOptions{})
	assert.ErrorIs(t, err, models.ErrUnsupportedSRID)
	assert.Empty(t, f.store.Calls())
	assert.Empty(t, f.engine.Layers())
}

func TestImportLayer(t *testing.T) {
	f := newFixture(t, Options{})
	src, err := host.NewMemoryLayer("survey", models.GeometryPoint, 2949, pointFields, nil)
	require.NoError(t, err)
	features := make([]*host.Feature, 9)
	for i := range features {
		features[i] = &host.Feature{Geometry: models.Geometry{Type: "Point", Coordinates: []float64{float64(i), float64(i)}}, Attributes: []any{"n", int64(i)}}
	}
	_, err = src.AddFeatures(features)
	require.NoError(t, err)

	l, err := f.engine.ImportLayer(t.Context(), src, ImportOptions{Temporary: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"CreateLayer", "InsertFeatures"}, f.store.Methods())
	created := f.store.Calls("CreateLayer")[0].Layer
	assert.Equal(t, "survey", created.Name)
	assert.Equal(t, 2949, created.SRID)
	assert.True(t, created.Temporary)
	assert.Equal(t, pointFields, created.Attributes)

	inserted := f.store.Calls("InsertFeatures")[0].Records
	require.Len(t, inserted, 9)
	for _, rec := range inserted {
		assert.Equal(t, created.ID, rec.LayerID)
		assert.Len(t, rec.Geom.Coordinates, 3)
	}
	assert.Equal(t, created.ID, l.ID())
	assert.Equal(t, StateUnmaterialized, l.State())
}

func TestImportEmptyLayerSkipsInsert(t *testing.T) {
	f := newFixture(t, Options{})
	src, err := host.NewMemoryLayer("empty", models.GeometryPoint, models.SRIDWGS84, nil, nil)
	require.NoError(t, err)

	_, err = f.engine.ImportLayer(t.Context(), src, ImportOptions{Name: "renamed"})
	require.NoError(t, err)
	assert.Equal(t, []string{"CreateLayer"}, f.store.Methods())
	_, ok := f.engine.LayerByName("renamed")
	assert.True(t, ok)
}

func TestCreateSubLayer(t *testing.T) {
	f := newFixture(t, Options{})
	parent, counting := f.loaded(t, "a", 9)

	all := counting.Features()
	selected := []host.FeatureID{all[0].ID, all[4].ID, all[8].ID}
	counting.Select(selected)

	sub, err := f.engine.CreateSubLayer(t.Context(), "a", "subset")
	require.NoError(t, err)

	assert.Equal(t, []string{"CreateLayer", "InsertFeatures"}, f.store.Methods())
	created := f.store.Calls("CreateLayer")[0].Layer
	assert.Equal(t, "a", created.ParentID)
	assert.Equal(t, sub.ID(), created.ID)

	inserted := f.store.Calls("InsertFeatures")[0].Records
	require.Len(t, inserted, 3)
	for i, rec := range inserted {
		assert.Equal(t, sub.ID(), rec.LayerID)
		remote, _ := parent.IDs().RemoteFor(selected[i])
		assert.Equal(t, remote, rec.ParentID)
	}

	assert.Len(t, f.engine.Layers(), 2)
	tree := f.engine.Tree()
	require.Len(t, tree, 1)
	require.Len(t, tree[0].SubLayers, 1)
	assert.Equal(t, "subset", tree[0].SubLayers[0].Name)
	assert.Equal(t, 9, tree[0].FeatureCount)
}

func TestCreateSubLayerErrors(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedPoints("u", "unloaded", 1)
	f.loaded(t, "a", 3)

	_, err := f.engine.CreateSubLayer(t.Context(), "u", "x")
	assert.ErrorIs(t, err, ErrLayerNotLoaded)

	_, err = f.engine.CreateSubLayer(t.Context(), "a", "x")
	assert.ErrorIs(t, err, ErrNoSelection)
	assert.Empty(t, f.store.Calls())
}

func TestMergeSubLayer(t *testing.T) {
	f := newFixture(t, Options{})
	_, counting := f.loaded(t, "a", 3)
	counting.Select([]host.FeatureID{counting.Features()[0].ID})
	sub, err := f.engine.CreateSubLayer(t.Context(), "a", "subset")
	require.NoError(t, err)

	_, err = f.engine.CreateSubLayer(t.Context(), sub.ID(), "nested")
	assert.ErrorIs(t, err, ErrLayerNotLoaded)

	assert.ErrorIs(t, f.engine.MergeSubLayer(t.Context(), "a"), ErrNotSubLayer)
	require.NoError(t, f.engine.MergeSubLayer(t.Context(), sub.ID()))

	_, ok := f.engine.Layer(sub.ID())
	assert.False(t, ok)
	assert.Len(t, f.store.Features("a"), 4)
}

func TestCreateSubLayerOfSubLayer(t *testing.T) {
	f := newFixture(t, Options{})
	_, counting := f.loaded(t, "a", 3)
	counting.Select([]host.FeatureID{counting.Features()[0].ID})
	sub, err := f.engine.CreateSubLayer(t.Context(), "a", "subset")
	require.NoError(t, err)
	require.NoError(t, f.engine.AddLayer(t.Context(), sub.ID()))

	local, ok := sub.Materialized()
	require.True(t, ok)
	local.Select([]host.FeatureID{local.Features()[0].ID})
	f.store.ResetCalls()

	_, err = f.engine.CreateSubLayer(t.Context(), sub.ID(), "nested")
	assert.ErrorIs(t, err, ErrNestedSubLayer)
	assert.Empty(t, f.store.Calls())
}

func TestRenameAndDropLayer(t *testing.T) {
	f := newFixture(t, Options{})
	_, counting := f.loaded(t, "a", 1)

	require.NoError(t, f.engine.RenameLayer(t.Context(), "a", "renamed"))
	assert.Equal(t, "renamed", counting.Name())
	stored, _ := f.store.Layer("a")
	assert.Equal(t, "renamed", stored.Name)

	require.NoError(t, f.engine.DropLayer(t.Context(), "a"))
	_, ok := f.engine.Layer("a")
	assert.False(t, ok)
	assert.Empty(t, f.project.Layers())
	assert.Empty(t, f.store.Features("a"))
}

func TestDropLayerFailureKeepsLayer(t *testing.T) {
	f := newFixture(t, Options{})
	f.loaded(t, "a", 1)
	f.store.FailNext("DropLayer", errBoom)

	assert.ErrorIs(t, f.engine.DropLayer(t.Context(), "a"), errBoom)
	assert.True(t, f.engine.IsLoaded("a"))
}

func TestTreeListsOrphanSubLayersAsRoots(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.AddLayer(models.LayerRecord{ID: "s", Name: "orphan", GeometryType: models.GeometryPoint, SRID: models.SRIDWGS84, ParentID: "gone"})
	f.store.AddLayer(models.LayerRecord{ID: "r", Name: "root", GeometryType: models.GeometryPoint, SRID: models.SRIDWGS84})
	require.NoError(t, f.engine.FetchLayers(t.Context()))

	tree := f.engine.Tree()
	require.Len(t, tree, 2)
	assert.Equal(t, "orphan", tree[0].Name)
	assert.Equal(t, "gone", tree[0].ParentID)
	assert.Equal(t, "unmaterialized", tree[1].State)
}

func TestInfoAndSnapshot(t *testing.T) {
	f := newFixture(t, Options{})
	f.loaded(t, "a", 3)

	info, err := f.engine.Info("a")
	require.NoError(t, err)
	assert.Equal(t, "layer a", info.Name)
	assert.Equal(t, 3, info.FeatureCount)
	assert.Equal(t, "loaded", info.State)

	records, err := f.engine.Snapshot("a")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "a", records[0].LayerID)
	assert.Equal(t, "a-f1", records[0].ID)
	assert.Equal(t, "p1", records[0].Attributes["name"])

	_, err = f.engine.Info("missing")
	assert.ErrorIs(t, err, ErrLayerNotFound)

	require.NoError(t, f.engine.RemoveLayer("a"))
	_, err = f.engine.Snapshot("a")
	assert.ErrorIs(t, err, ErrLayerNotLoaded)
}

var _ Store = (*testutil.FakeStore)(nil)
