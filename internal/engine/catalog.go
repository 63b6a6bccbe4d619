package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/layersync/backend/internal/host"
	"github.com/layersync/backend/internal/models"
)

// LayerInfo describes a catalog entry for listings.
type LayerInfo struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	GeometryType models.GeometryKind `json:"geometryType"`
	SRID         int                 `json:"srid"`
	ParentID     string              `json:"parentId,omitempty"`
	Temporary    bool                `json:"temporary"`
	State        string              `json:"state"`
	FeatureCount int                 `json:"featureCount"`
	Attributes   []models.Attribute  `json:"attributes"`
	SubLayers    []LayerInfo         `json:"subLayers,omitempty"`
}

// FetchLayers refreshes the catalog from the remote store. Known layers keep
// their local state; layers gone remotely are detached and forgotten.
func (e *Engine) FetchLayers(ctx context.Context) error {
	records, err := e.store.ListLayers(ctx)
	if err != nil {
		return fmt.Errorf("fetching layers: %w", err)
	}

	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		seen[rec.ID] = true
		if existing, ok := e.catalog[rec.ID]; ok {
			existing.record.Name = rec.Name
			if !existing.IsLoaded() {
				existing.record.Attributes = slices.Clone(rec.Attributes)
			}
			continue
		}
		e.catalog[rec.ID] = newRemoteLayer(e, rec)
	}
	for id, l := range e.catalog {
		if !seen[id] {
			e.unload(l)
			delete(e.catalog, id)
		}
	}
	glog.Infof("[Engine] catalog has %d layers", len(e.catalog))
	e.emit(Event{Type: EventCatalogChanged})
	return nil
}

// Layers returns the catalog sorted by name.
func (e *Engine) Layers() []*RemoteLayer {
	out := make([]*RemoteLayer, 0, len(e.catalog))
	for _, l := range e.catalog {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b *RemoteLayer) int {
		if c := strings.Compare(a.Name(), b.Name()); c != 0 {
			return c
		}
		return strings.Compare(a.ID(), b.ID())
	})
	return out
}

// Layer finds a catalog entry by remote id.
func (e *Engine) Layer(id string) (*RemoteLayer, bool) {
	l, ok := e.catalog[id]
	return l, ok
}

// LayerByName finds the first catalog entry with the given name.
func (e *Engine) LayerByName(name string) (*RemoteLayer, bool) {
	for _, l := range e.Layers() {
		if l.Name() == name {
			return l, true
		}
	}
	return nil, false
}

// LayerForLocal finds the entry materialized as the given local layer.
func (e *Engine) LayerForLocal(localID string) (*RemoteLayer, bool) {
	for _, l := range e.catalog {
		if l.local != nil && l.local.ID() == localID {
			return l, true
		}
	}
	return nil, false
}

func (e *Engine) mustLayer(id string) (*RemoteLayer, error) {
	l, ok := e.catalog[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	return l, nil
}

// IsLoaded reports whether the layer's features are loaded locally.
func (e *Engine) IsLoaded(id string) bool {
	l, ok := e.catalog[id]
	return ok && l.IsLoaded()
}

// Tree lists root layers with their sub-layers nested below them. Entries
// whose parent is unknown are listed as roots.
func (e *Engine) Tree() []LayerInfo {
	children := make(map[string][]*RemoteLayer)
	var roots []*RemoteLayer
	for _, l := range e.Layers() {
		if _, ok := e.catalog[l.ParentID()]; l.IsSubLayer() && ok {
			children[l.ParentID()] = append(children[l.ParentID()], l)
			continue
		}
		roots = append(roots, l)
	}
	var build func(l *RemoteLayer) LayerInfo
	build = func(l *RemoteLayer) LayerInfo {
		info := e.info(l)
		for _, c := range children[l.ID()] {
			info.SubLayers = append(info.SubLayers, build(c))
		}
		return info
	}
	out := make([]LayerInfo, 0, len(roots))
	for _, l := range roots {
		out = append(out, build(l))
	}
	return out
}

func (e *Engine) info(l *RemoteLayer) LayerInfo {
	info := LayerInfo{
		ID:           l.ID(),
		Name:         l.Name(),
		GeometryType: l.GeometryKind(),
		SRID:         l.SRID(),
		ParentID:     l.ParentID(),
		Temporary:    l.Temporary(),
		State:        l.State().String(),
		Attributes:   l.Attributes(),
	}
	if l.local != nil {
		info.FeatureCount = l.local.FeatureCount()
	}
	return info
}

// Info describes one catalog entry.
func (e *Engine) Info(id string) (LayerInfo, error) {
	l, err := e.mustLayer(id)
	if err != nil {
		return LayerInfo{}, err
	}
	return e.info(l), nil
}

// Snapshot returns the features of a loaded layer as wire records. Features
// not yet bound to a remote id are skipped.
func (e *Engine) Snapshot(id string) ([]models.FeatureRecord, error) {
	l, err := e.mustLayer(id)
	if err != nil {
		return nil, err
	}
	if !l.IsLoaded() {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotLoaded, l.Name())
	}
	fields := l.syncedFields(l.local)
	features := l.local.Features()
	records := make([]models.FeatureRecord, 0, len(features))
	for _, f := range features {
		remoteID, ok := l.ids.RemoteFor(f.ID)
		if !ok {
			continue
		}
		rec, err := featureToRecord(f, fields, l.ID(), remoteID)
		if err != nil {
			return nil, fmt.Errorf("converting feature %d: %w", f.ID, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// prepareLoad validates the layer and materializes it on the map.
func (e *Engine) prepareLoad(id string) (*RemoteLayer, host.EditableLayer, error) {
	l, err := e.mustLayer(id)
	if err != nil {
		return nil, nil, err
	}
	if err := l.record.Validate(); err != nil {
		return nil, nil, err
	}
	local, err := l.Local()
	if err != nil {
		return nil, nil, err
	}
	if err := e.project.AddLayer(local); err != nil {
		return nil, nil, fmt.Errorf("adding layer %s to the map: %w", l.Name(), err)
	}
	return l, local, nil
}

// AddLayer materializes the layer, fetches its features and loads them.
// Loading an already loaded layer is a no-op.
func (e *Engine) AddLayer(ctx context.Context, id string) error {
	if e.IsLoaded(id) {
		return nil
	}
	l, _, err := e.prepareLoad(id)
	if err != nil {
		return err
	}
	records, err := e.store.ListFeatures(ctx, l.GeometryKind(), l.ID())
	if err != nil {
		return fmt.Errorf("fetching features of %s: %w", l.Name(), err)
	}
	return e.finishLoad(l, records)
}

// AddLayerAsync is AddLayer with the feature download on a background
// goroutine. done runs on the dispatch loop.
func (e *Engine) AddLayerAsync(ctx context.Context, id string, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	if e.IsLoaded(id) {
		done(nil)
		return
	}
	l, _, err := e.prepareLoad(id)
	if err != nil {
		done(err)
		return
	}
	kind, layerID := l.GeometryKind(), l.ID()
	go func() {
		records, err := e.store.ListFeatures(ctx, kind, layerID)
		e.poster.Post(func() {
			if err != nil {
				done(fmt.Errorf("fetching features of %s: %w", l.Name(), err))
				return
			}
			done(e.finishLoad(l, records))
		})
	}()
}

func (e *Engine) finishLoad(l *RemoteLayer, records []models.FeatureRecord) error {
	if l.local == nil {
		// Removed from the map while the features were downloading.
		return fmt.Errorf("%w: %s", ErrLayerNotMaterialized, l.Name())
	}
	if l.loaded {
		return nil
	}
	if err := l.LoadFeatures(records); err != nil {
		return err
	}
	e.project.Refresh()
	e.emit(Event{Type: EventLayerLoaded, LayerID: l.ID()})
	return nil
}

// RemoveLayer removes the layer from the map. Its catalog entry and
// identifier bindings are kept.
func (e *Engine) RemoveLayer(id string) error {
	l, err := e.mustLayer(id)
	if err != nil {
		return err
	}
	e.unload(l)
	return nil
}

func (e *Engine) unload(l *RemoteLayer) {
	if l.local == nil {
		return
	}
	localID := l.local.ID()
	if _, inProject := e.project.Layer(localID); inProject {
		// The project's removal callback resets the layer.
		if err := e.project.RemoveLayer(localID); err != nil {
			glog.Warningf("[Engine] removing layer %s from the map: %v", l.Name(), err)
		}
	}
	if l.local != nil {
		l.Reset()
		e.emit(Event{Type: EventLayerUnloaded, LayerID: l.ID()})
	}
}

// OnLayersRemoved resets the entries whose local layers were removed from
// the map, whoever removed them.
func (e *Engine) OnLayersRemoved(localIDs []string) {
	for _, localID := range localIDs {
		if l, ok := e.LayerForLocal(localID); ok {
			l.Reset()
			glog.V(1).Infof("[Engine] layer %s detached", l.Name())
			e.emit(Event{Type: EventLayerUnloaded, LayerID: l.ID()})
		}
	}
}

// RemoveAllLayers detaches every materialized layer.
func (e *Engine) RemoveAllLayers() {
	for _, l := range e.Layers() {
		e.unload(l)
	}
}

// ImportOptions control ImportLayer.
type ImportOptions struct {
	Name      string
	Temporary bool
}

// ImportLayer creates a remote layer from a local one and uploads all its
// features in one call. The new layer is added to the catalog unloaded.
func (e *Engine) ImportLayer(ctx context.Context, src host.EditableLayer, opts ImportOptions) (*RemoteLayer, error) {
	if src.GeometryKind() != models.GeometryPoint {
		return nil, models.NewValidationError("geometry_type", src.GeometryKind(), models.ErrUnsupportedGeometry)
	}
	if !models.IsSupportedSRID(src.SRID()) {
		return nil, models.NewValidationError("srid", src.SRID(), models.ErrUnsupportedSRID)
	}
	name := opts.Name
	if name == "" {
		name = src.Name()
	}
	record := models.LayerRecord{
		ID:           uuid.NewString(),
		Name:         name,
		GeometryType: src.GeometryKind(),
		SRID:         src.SRID(),
		Attributes:   src.Fields(),
		Temporary:    opts.Temporary,
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}

	fields := src.Fields()
	features := src.Features()
	records := make([]models.FeatureRecord, 0, len(features))
	for _, f := range features {
		rec, err := featureToRecord(f, fields, record.ID, uuid.NewString())
		if err != nil {
			return nil, fmt.Errorf("converting feature %d: %w", f.ID, err)
		}
		records = append(records, rec)
	}

	if err := e.store.CreateLayer(ctx, record); err != nil {
		return nil, fmt.Errorf("creating layer %s: %w", name, err)
	}
	if len(records) > 0 {
		if err := e.store.InsertFeatures(ctx, records); err != nil {
			return nil, fmt.Errorf("uploading features of %s: %w", name, err)
		}
	}

	l := newRemoteLayer(e, record)
	e.catalog[record.ID] = l
	glog.Infof("[Engine] imported layer %s with %d features", name, len(records))
	e.emit(Event{Type: EventCatalogChanged, LayerID: record.ID})
	return l, nil
}

// CreateSubLayer copies the selected features of a loaded layer into a new
// remote layer whose parent is that layer. Each copy keeps the remote id of
// its source feature as parent id.
func (e *Engine) CreateSubLayer(ctx context.Context, parentID, name string) (*RemoteLayer, error) {
	parent, err := e.mustLayer(parentID)
	if err != nil {
		return nil, err
	}
	if !parent.IsLoaded() {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotLoaded, parent.Name())
	}
	if parent.IsSubLayer() {
		return nil, fmt.Errorf("%w: %s", ErrNestedSubLayer, parent.Name())
	}
	if name == "" {
		return nil, models.NewValidationError("name", name, nil)
	}
	selected := parent.local.SelectedFeatureIDs()
	if len(selected) == 0 {
		return nil, ErrNoSelection
	}

	record := models.LayerRecord{
		ID:           uuid.NewString(),
		Name:         name,
		GeometryType: parent.GeometryKind(),
		SRID:         parent.SRID(),
		Attributes:   parent.Attributes(),
		ParentID:     parent.ID(),
	}
	fields := parent.syncedFields(parent.local)
	records := make([]models.FeatureRecord, 0, len(selected))
	for _, id := range selected {
		f, ok := parent.local.Feature(id)
		if !ok {
			return nil, fmt.Errorf("selected feature %d: %w", id, host.ErrFeatureNotFound)
		}
		rec, err := featureToRecord(f, fields, record.ID, uuid.NewString())
		if err != nil {
			return nil, fmt.Errorf("converting feature %d: %w", id, err)
		}
		rec.ParentID, _ = parent.ids.RemoteFor(id)
		records = append(records, rec)
	}

	if err := e.store.CreateLayer(ctx, record); err != nil {
		return nil, fmt.Errorf("creating sub-layer %s: %w", name, err)
	}
	if err := e.store.InsertFeatures(ctx, records); err != nil {
		return nil, fmt.Errorf("uploading features of %s: %w", name, err)
	}

	l := newRemoteLayer(e, record)
	e.catalog[record.ID] = l
	glog.Infof("[Engine] created sub-layer %s of %s with %d features", name, parent.Name(), len(records))
	e.emit(Event{Type: EventCatalogChanged, LayerID: record.ID})
	return l, nil
}

// MergeSubLayer folds a sub-layer back into its parent on the server, then
// drops it locally. The parent receives the merged features through the
// change stream.
func (e *Engine) MergeSubLayer(ctx context.Context, id string) error {
	l, err := e.mustLayer(id)
	if err != nil {
		return err
	}
	if !l.IsSubLayer() {
		return fmt.Errorf("%w: %s", ErrNotSubLayer, l.Name())
	}
	if err := e.store.MergeSubLayer(ctx, id); err != nil {
		return fmt.Errorf("merging %s: %w", l.Name(), err)
	}
	e.unload(l)
	delete(e.catalog, id)
	e.emit(Event{Type: EventCatalogChanged, LayerID: id})
	return nil
}

// RenameLayer renames the remote layer and its local counterpart.
func (e *Engine) RenameLayer(ctx context.Context, id, name string) error {
	l, err := e.mustLayer(id)
	if err != nil {
		return err
	}
	if name == "" {
		return models.NewValidationError("name", name, nil)
	}
	if err := e.store.RenameLayer(ctx, id, name); err != nil {
		return fmt.Errorf("renaming %s: %w", l.Name(), err)
	}
	l.record.Name = name
	if l.local != nil {
		l.local.SetName(name)
	}
	e.emit(Event{Type: EventCatalogChanged, LayerID: id})
	return nil
}

// DropLayer deletes the remote layer and forgets it locally.
func (e *Engine) DropLayer(ctx context.Context, id string) error {
	l, err := e.mustLayer(id)
	if err != nil {
		return err
	}
	if err := e.store.DropLayer(ctx, id); err != nil {
		return fmt.Errorf("dropping %s: %w", l.Name(), err)
	}
	e.unload(l)
	delete(e.catalog, id)
	e.emit(Event{Type: EventCatalogChanged, LayerID: id})
	return nil
}
