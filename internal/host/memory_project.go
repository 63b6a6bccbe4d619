package host

import (
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/golang/glog"
	"github.com/layersync/backend/internal/models"
	"github.com/paulmach/orb"
)

// StoreFactory opens the FeatureStore of a new layer.
type StoreFactory func(layerID string, fields []models.Attribute) (FeatureStore, error)

// MemoryProject is a Project holding MemoryLayers.
type MemoryProject struct {
	mu         sync.RWMutex
	layers     map[string]EditableLayer
	order      []string
	canvasSRID int
	center     orb.Point
	refreshes  int
	newStore   StoreFactory

	removed callbackList[func(ids []string)]
}

// NewMemoryProject creates an empty project whose canvas uses canvasSRID.
func NewMemoryProject(canvasSRID int) *MemoryProject {
	return &MemoryProject{
		layers:     make(map[string]EditableLayer),
		canvasSRID: canvasSRID,
	}
}

// SetStoreFactory makes new layers persist through fn instead of memory.
func (p *MemoryProject) SetStoreFactory(fn StoreFactory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newStore = fn
}

// NewLayer creates a layer without adding it to the project.
func (p *MemoryProject) NewLayer(name string, kind models.GeometryKind, srid int, fields []models.Attribute) (EditableLayer, error) {
	p.mu.RLock()
	factory := p.newStore
	p.mu.RUnlock()

	id := newLayerID(name)
	var store FeatureStore
	if factory != nil {
		s, err := factory(id, fields)
		if err != nil {
			return nil, fmt.Errorf("opening store for layer %s: %w", name, err)
		}
		store = s
	}
	layer, err := newMemoryLayer(id, name, kind, srid, fields, store)
	if err != nil && store != nil {
		store.Close()
	}
	return layer, err
}

func (p *MemoryProject) AddLayer(l EditableLayer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.layers[l.ID()]; ok {
		return nil
	}
	p.layers[l.ID()] = l
	p.order = append(p.order, l.ID())
	return nil
}

// RemoveLayer drops the layer, closes its store and notifies the
// OnLayersRemoved callbacks.
func (p *MemoryProject) RemoveLayer(id string) error {
	p.mu.Lock()
	l, ok := p.layers[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("layer %s not in project", id)
	}
	delete(p.layers, id)
	p.order = slices.DeleteFunc(p.order, func(o string) bool { return o == id })
	p.mu.Unlock()

	if closer, ok := l.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			glog.Warningf("[Project] closing layer %s: %v", id, err)
		}
	}
	for _, fn := range p.removed.get() {
		fn([]string{id})
	}
	return nil
}

func (p *MemoryProject) Layer(id string) (EditableLayer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.layers[id]
	return l, ok
}

// Layers returns the layers in insertion order.
func (p *MemoryProject) Layers() []EditableLayer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]EditableLayer, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.layers[id])
	}
	return out
}

func (p *MemoryProject) OnLayersRemoved(fn func(ids []string)) func() {
	return p.removed.add(fn)
}

func (p *MemoryProject) CanvasSRID() int {
	return p.canvasSRID
}

func (p *MemoryProject) SetCenter(x, y float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.center = orb.Point{x, y}
}

// Center returns the last center set on the canvas.
func (p *MemoryProject) Center() orb.Point {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.center
}

func (p *MemoryProject) Refresh() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
}

// RefreshCount returns how many times the canvas was refreshed.
func (p *MemoryProject) RefreshCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.refreshes
}
