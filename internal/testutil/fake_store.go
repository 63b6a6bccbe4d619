// fake_store.go - In-memory remote store for testing
package testutil

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/layersync/backend/internal/models"
)

var ErrNotFound = errors.New("not found")

// Call is one request received by FakeStore.
type Call struct {
	Method     string
	LayerID    string
	ID         string
	Name       string
	Layer      models.LayerRecord
	Records    []models.FeatureRecord
	Attributes []models.Attribute
}

// FakeStore implements engine.Store in memory and records every call.
type FakeStore struct {
	mu       sync.Mutex
	layers   map[string]models.LayerRecord
	features map[string]models.FeatureRecord
	order    []string
	calls    []Call
	failures map[string][]error
	hook     func(Call)
}

// NewFakeStore creates an empty fake store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		layers:   make(map[string]models.LayerRecord),
		features: make(map[string]models.FeatureRecord),
		failures: make(map[string][]error),
	}
}

// FailNext makes the next call to method return err. Several failures for
// the same method are returned in order.
func (s *FakeStore) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = append(s.failures[method], err)
}

// OnCall registers fn to run at the start of every call, before the store
// changes. fn may call back into the code under test.
func (s *FakeStore) OnCall(fn func(Call)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

func (s *FakeStore) before(c Call) {
	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(c)
	}
}

func (s *FakeStore) record(c Call) error {
	s.calls = append(s.calls, c)
	if queued := s.failures[c.Method]; len(queued) > 0 {
		s.failures[c.Method] = queued[1:]
		return queued[0]
	}
	return nil
}

func (s *FakeStore) ListLayers(ctx context.Context) ([]models.LayerRecord, error) {
	c := Call{Method: "ListLayers"}
	s.before(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(c); err != nil {
		return nil, err
	}
	out := make([]models.LayerRecord, 0, len(s.layers))
	for _, l := range s.layers {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b models.LayerRecord) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *FakeStore) CreateLayer(ctx context.Context, layer models.LayerRecord) error {
	c := Call{Method: "CreateLayer", LayerID: layer.ID, Layer: layer}
	s.before(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(c); err != nil {
		return err
	}
	s.layers[layer.ID] = layer
	return nil
}

func (s *FakeStore) RenameLayer(ctx context.Context, id, name string) error {
	c := Call{Method: "RenameLayer", LayerID: id, Name: name}
	s.before(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(c); err != nil {
		return err
	}
	l, ok := s.layers[id]
	if !ok {
		return fmt.Errorf("layer %s: %w", id, ErrNotFound)
	}
	l.Name = name
	s.layers[id] = l
	return nil
}

func (s *FakeStore) DropLayer(ctx context.Context, id string) error {
	c := Call{Method: "DropLayer", LayerID: id}
	s.before(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(c); err != nil {
		return err
	}
	delete(s.layers, id)
	for fid, f := range s.features {
		if f.LayerID == id {
			s.removeFeature(fid)
		}
	}
	return nil
}

// MergeSubLayer moves the sub-layer's features into its parent layer.
func (s *FakeStore) MergeSubLayer(ctx context.Context, id string) error {
	c := Call{Method: "MergeSubLayer", LayerID: id}
	s.before(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(c); err != nil {
		return err
	}
	sub, ok := s.layers[id]
	if !ok || sub.ParentID == "" {
		return fmt.Errorf("sub-layer %s: %w", id, ErrNotFound)
	}
	for fid, f := range s.features {
		if f.LayerID == id {
			f.LayerID = sub.ParentID
			f.ParentID = ""
			s.features[fid] = f
		}
	}
	delete(s.layers, id)
	return nil
}

func (s *FakeStore) UpdateAttributeSchema(ctx context.Context, layerID string, attrs []models.Attribute) error {
	c := Call{Method: "UpdateAttributeSchema", LayerID: layerID, Attributes: slices.Clone(attrs)}
	s.before(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(c); err != nil {
		return err
	}
	if l, ok := s.layers[layerID]; ok {
		l.Attributes = slices.Clone(attrs)
		s.layers[layerID] = l
	}
	return nil
}

func (s *FakeStore) ListFeatures(ctx context.Context, kind models.GeometryKind, layerID string) ([]models.FeatureRecord, error) {
	c := Call{Method: "ListFeatures", LayerID: layerID}
	s.before(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(c); err != nil {
		return nil, err
	}
	return s.featuresOf(layerID), nil
}

func (s *FakeStore) InsertFeature(ctx context.Context, rec models.FeatureRecord) error {
	c := Call{Method: "InsertFeature", LayerID: rec.LayerID, ID: rec.ID, Records: []models.FeatureRecord{rec}}
	s.before(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(c); err != nil {
		return err
	}
	s.putFeature(rec)
	return nil
}

func (s *FakeStore) InsertFeatures(ctx context.Context, recs []models.FeatureRecord) error {
	var layerID string
	if len(recs) > 0 {
		layerID = recs[0].LayerID
	}
	c := Call{Method: "InsertFeatures", LayerID: layerID, Records: slices.Clone(recs)}
	s.before(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(c); err != nil {
		return err
	}
	for _, rec := range recs {
		s.putFeature(rec)
	}
	return nil
}

func (s *FakeStore) UpdateFeature(ctx context.Context, rec models.FeatureRecord) error {
	c := Call{Method: "UpdateFeature", LayerID: rec.LayerID, ID: rec.ID, Records: []models.FeatureRecord{rec}}
	s.before(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(c); err != nil {
		return err
	}
	if _, ok := s.features[rec.ID]; !ok {
		return fmt.Errorf("feature %s: %w", rec.ID, ErrNotFound)
	}
	s.features[rec.ID] = rec
	return nil
}

func (s *FakeStore) DeleteFeature(ctx context.Context, kind models.GeometryKind, id string) error {
	c := Call{Method: "DeleteFeature", ID: id}
	s.before(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(c); err != nil {
		return err
	}
	s.removeFeature(id)
	return nil
}

func (s *FakeStore) putFeature(rec models.FeatureRecord) {
	if _, ok := s.features[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	s.features[rec.ID] = rec
}

func (s *FakeStore) removeFeature(id string) {
	delete(s.features, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
}

func (s *FakeStore) featuresOf(layerID string) []models.FeatureRecord {
	var out []models.FeatureRecord
	for _, id := range s.order {
		if f := s.features[id]; f.LayerID == layerID {
			out = append(out, f)
		}
	}
	return out
}

// Test Helper Methods

// AddLayer seeds a layer and its features without recording a call.
func (s *FakeStore) AddLayer(layer models.LayerRecord, features ...models.FeatureRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers[layer.ID] = layer
	for _, f := range features {
		f.LayerID = layer.ID
		s.putFeature(f)
	}
}

// Layer returns a stored layer.
func (s *FakeStore) Layer(id string) (models.LayerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.layers[id]
	return l, ok
}

// Features returns the stored features of a layer in insertion order.
func (s *FakeStore) Features(layerID string) []models.FeatureRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.featuresOf(layerID)
}

// Feature returns one stored feature.
func (s *FakeStore) Feature(id string) (models.FeatureRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.features[id]
	return f, ok
}

// Calls returns every recorded call, or only those to the given methods.
func (s *FakeStore) Calls(methods ...string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(methods) == 0 {
		return slices.Clone(s.calls)
	}
	var out []Call
	for _, c := range s.calls {
		if slices.Contains(methods, c.Method) {
			out = append(out, c)
		}
	}
	return out
}

// Methods returns the method names of the recorded calls, in order.
func (s *FakeStore) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Method
	}
	return out
}

// ResetCalls forgets the recorded calls.
func (s *FakeStore) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// PointRecord builds a point feature record.
func PointRecord(id string, x, y float64, attrs map[string]any) models.FeatureRecord {
	if attrs == nil {
		attrs = map[string]any{}
	}
	return models.FeatureRecord{ID: id, Attributes: attrs, Geom: models.NewPoint(x, y, 0)}
}
