package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/layersync/backend/internal/dispatch"
	"github.com/layersync/backend/internal/host"
	"github.com/layersync/backend/internal/models"
	"github.com/layersync/backend/internal/testutil"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// countingLayer counts the store-level writes the engine makes.
type countingLayer struct {
	host.EditableLayer
	attributeCalls int
	geometryCalls  int
	deleteCalls    int
	failDelete     error
}

func (c *countingLayer) ChangeAttributeValues(changes map[host.FeatureID]map[int]any) error {
	c.attributeCalls++
	return c.EditableLayer.ChangeAttributeValues(changes)
}

func (c *countingLayer) ChangeGeometryValues(changes map[host.FeatureID]models.Geometry) error {
	c.geometryCalls++
	return c.EditableLayer.ChangeGeometryValues(changes)
}

func (c *countingLayer) DeleteFeatures(ids []host.FeatureID) error {
	c.deleteCalls++
	if c.failDelete != nil {
		return c.failDelete
	}
	return c.EditableLayer.DeleteFeatures(ids)
}

type countingProject struct {
	*host.MemoryProject
	layers map[string]*countingLayer
}

func (p *countingProject) NewLayer(name string, kind models.GeometryKind, srid int, fields []models.Attribute) (host.EditableLayer, error) {
	l, err := p.MemoryProject.NewLayer(name, kind, srid, fields)
	if err != nil {
		return nil, err
	}
	c := &countingLayer{EditableLayer: l}
	p.layers[name] = c
	return c, nil
}

type fixture struct {
	store   *testutil.FakeStore
	project *countingProject
	engine  *Engine
	events  []Event
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store: testutil.NewFakeStore(),
		project: &countingProject{
			MemoryProject: host.NewMemoryProject(models.SRIDWGS84),
			layers:        make(map[string]*countingLayer),
		},
	}
	opts.OnEvent = func(ev Event) { f.events = append(f.events, ev) }
	f.engine = New(f.store, f.project, dispatch.Immediate{}, opts)
	t.Cleanup(func() { f.engine.Close() })
	return f
}

var pointFields = []models.Attribute{
	{Name: "name", Type: models.AttrString},
	{Name: "count", Type: models.AttrInt},
}

// seedPoints stores a point layer with n features named p1..pn at (i, i).
func (f *fixture) seedPoints(id, name string, n int) models.LayerRecord {
	layer := models.LayerRecord{
		ID:           id,
		Name:         name,
		GeometryType: models.GeometryPoint,
		SRID:         models.SRIDWGS84,
		Attributes:   pointFields,
	}
	recs := make([]models.FeatureRecord, n)
	for i := range recs {
		recs[i] = testutil.PointRecord(fmt.Sprintf("%s-f%d", id, i+1), float64(i+1), float64(i+1), map[string]any{
			"name":  fmt.Sprintf("p%d", i+1),
			"count": float64(i + 1),
		})
	}
	f.store.AddLayer(layer, recs...)
	return layer
}

// loaded seeds and loads a layer, then forgets the setup calls.
func (f *fixture) loaded(t *testing.T, id string, n int) (*RemoteLayer, *countingLayer) {
	t.Helper()
	rec := f.seedPoints(id, "layer "+id, n)
	require.NoError(t, f.engine.FetchLayers(t.Context()))
	require.NoError(t, f.engine.AddLayer(t.Context(), id))
	l, ok := f.engine.Layer(id)
	require.True(t, ok)
	f.store.ResetCalls()
	return l, f.project.layers[rec.Name]
}

func (f *fixture) eventsOf(typ EventType) []Event {
	var out []Event
	for _, ev := range f.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// localFor returns the local feature bound to a remote id.
func localFor(t *testing.T, l *RemoteLayer, remoteID string) *host.Feature {
	t.Helper()
	id, ok := l.IDs().LocalFor(remoteID)
	require.True(t, ok, "remote id %s is not bound", remoteID)
	feat, ok := l.local.Feature(id)
	require.True(t, ok)
	return feat
}

func edit(t *testing.T, layer host.EditableLayer, fn func()) error {
	t.Helper()
	require.NoError(t, layer.StartEditing())
	fn()
	return layer.CommitChanges()
}
