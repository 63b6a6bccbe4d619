package engine

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/golang/glog"
	"github.com/layersync/backend/internal/host"
	"github.com/layersync/backend/internal/models"
)

// State is the materialization state of a RemoteLayer.
type State int

const (
	// StateUnmaterialized: known from the catalog, no local layer yet.
	StateUnmaterialized State = iota
	// StateMaterialized: local layer created, features not loaded.
	StateMaterialized
	// StateLoaded: features loaded and bound.
	StateLoaded
	// StateDetached: local layer removed from the map; catalog entry and
	// identifier bindings kept.
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateUnmaterialized:
		return "unmaterialized"
	case StateMaterialized:
		return "materialized"
	case StateLoaded:
		return "loaded"
	case StateDetached:
		return "detached"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var ErrLayerNotMaterialized = errors.New("layer is not materialized")

// RemoteLayer is the local view of one remote layer: its metadata, the
// identifier bindings of its features and the edits waiting to be pushed.
type RemoteLayer struct {
	record  models.LayerRecord
	ids     *IdentifierMap
	changes *ChangeSet

	engine      *Engine
	local       host.EditableLayer
	unsubscribe func()
	loaded      bool
	detached    bool

	// localFields mirrors the local field names, including fields the remote
	// schema cannot carry, so deletions by index resolve to the right name.
	localFields []string

	// muted > 0 while the engine writes to the local layer itself.
	muted int
}

func newRemoteLayer(e *Engine, record models.LayerRecord) *RemoteLayer {
	record.Attributes = slices.Clone(record.Attributes)
	return &RemoteLayer{
		record:  record,
		ids:     NewIdentifierMap(),
		changes: NewChangeSet(),
		engine:  e,
	}
}

func (l *RemoteLayer) ID() string                        { return l.record.ID }
func (l *RemoteLayer) Name() string                      { return l.record.Name }
func (l *RemoteLayer) GeometryKind() models.GeometryKind { return l.record.GeometryType }
func (l *RemoteLayer) SRID() int                         { return l.record.SRID }
func (l *RemoteLayer) ParentID() string                  { return l.record.ParentID }
func (l *RemoteLayer) Temporary() bool                   { return l.record.Temporary }
func (l *RemoteLayer) IsSubLayer() bool                  { return l.record.IsSubLayer() }

// Attributes returns the ordered attribute schema.
func (l *RemoteLayer) Attributes() []models.Attribute {
	return slices.Clone(l.record.Attributes)
}

// Record returns the catalog row of the layer.
func (l *RemoteLayer) Record() models.LayerRecord {
	r := l.record
	r.Attributes = l.Attributes()
	return r
}

// IDs exposes the identifier bindings.
func (l *RemoteLayer) IDs() *IdentifierMap { return l.ids }

// Changes exposes the pending edits.
func (l *RemoteLayer) Changes() *ChangeSet { return l.changes }

func (l *RemoteLayer) State() State {
	switch {
	case l.local != nil && l.loaded:
		return StateLoaded
	case l.local != nil:
		return StateMaterialized
	case l.detached:
		return StateDetached
	}
	return StateUnmaterialized
}

// IsLoaded reports whether features are loaded into a local layer.
func (l *RemoteLayer) IsLoaded() bool {
	return l.State() == StateLoaded
}

// Materialized returns the local layer if one exists.
func (l *RemoteLayer) Materialized() (host.EditableLayer, bool) {
	return l.local, l.local != nil
}

// Local returns the local editable layer, creating it on first use.
func (l *RemoteLayer) Local() (host.EditableLayer, error) {
	if l.local != nil {
		return l.local, nil
	}
	if l.record.GeometryType != models.GeometryPoint {
		return nil, models.NewValidationError("geometry_type", l.record.GeometryType, models.ErrUnsupportedGeometry)
	}
	local, err := l.engine.project.NewLayer(l.record.Name, l.record.GeometryType, l.record.SRID, l.record.Attributes)
	if err != nil {
		return nil, fmt.Errorf("creating local layer %s: %w", l.record.Name, err)
	}
	l.local = local
	l.detached = false
	l.localFields = l.localFields[:0]
	for _, f := range local.Fields() {
		l.localFields = append(l.localFields, f.Name)
	}
	l.unsubscribe = local.Subscribe(&editHandler{layer: l})
	glog.V(1).Infof("[Engine] materialized layer %s (%s) as %s", l.record.Name, l.record.ID, local.ID())
	return local, nil
}

// LoadFeatures adds remote records to the local layer and binds their ids.
// Every record must match the layer's geometry kind; nothing is added
// otherwise.
func (l *RemoteLayer) LoadFeatures(records []models.FeatureRecord) error {
	local, err := l.Local()
	if err != nil {
		return err
	}
	fields := local.Fields()
	features := make([]*host.Feature, len(records))
	for i, rec := range records {
		f, err := recordToFeature(rec, fields, l.record.GeometryType)
		if err != nil {
			return fmt.Errorf("loading layer %s: %w", l.record.Name, err)
		}
		features[i] = f
	}

	l.muted++
	localIDs, err := local.AddFeatures(features)
	l.muted--
	if err != nil {
		return fmt.Errorf("loading layer %s: %w", l.record.Name, err)
	}
	// Local ids restart on a fresh layer; bindings from a detached one
	// would make new local features look like remote echoes.
	if !l.loaded {
		l.ids.Clear()
	}
	for i, id := range localIDs {
		l.ids.Bind(id, records[i].ID)
	}
	l.loaded = true
	local.TriggerRepaint()
	glog.Infof("[Engine] loaded %d features into layer %s", len(records), l.record.Name)
	return nil
}

// Reset detaches the layer from its local counterpart. The catalog entry
// and the identifier bindings are kept until the next load.
func (l *RemoteLayer) Reset() {
	if l.unsubscribe != nil {
		l.unsubscribe()
		l.unsubscribe = nil
	}
	if l.local != nil {
		l.detached = true
	}
	l.local = nil
	l.loaded = false
	l.changes.Reset()
}

// syncedFields returns the local fields aligned with their local index.
// Fields missing from the remote schema are left zero so they are not sent.
func (l *RemoteLayer) syncedFields(local host.EditableLayer) []models.Attribute {
	fields := local.Fields()
	for i, f := range fields {
		if !slices.ContainsFunc(l.record.Attributes, func(a models.Attribute) bool { return a.Name == f.Name }) {
			fields[i] = models.Attribute{}
		}
	}
	return fields
}

// editHandler turns local commit notifications into ChangeSet entries.
type editHandler struct {
	layer *RemoteLayer
}

func (h *editHandler) OnFeaturesAdded(features []*host.Feature) {
	l := h.layer
	if l.muted > 0 {
		return
	}
	fresh := make([]*host.Feature, 0, len(features))
	for _, f := range features {
		// Bound means the engine added it from a remote notification.
		if _, bound := l.ids.RemoteFor(f.ID); bound {
			continue
		}
		fresh = append(fresh, f)
	}
	l.changes.addInserted(fresh)
}

func (h *editHandler) OnFeaturesRemoved(ids []host.FeatureID) {
	l := h.layer
	if l.muted > 0 {
		return
	}
	// Unbound means the remote side already deleted it.
	l.changes.addDeleted(h.bound(ids))
}

func (h *editHandler) OnFeaturesChanged(ids []host.FeatureID) {
	l := h.layer
	if l.muted > 0 {
		return
	}
	l.changes.addUpdated(h.bound(ids))
}

func (h *editHandler) bound(ids []host.FeatureID) []host.FeatureID {
	out := make([]host.FeatureID, 0, len(ids))
	for _, id := range ids {
		if _, ok := h.layer.ids.RemoteFor(id); ok {
			out = append(out, id)
		}
	}
	return out
}

func (h *editHandler) OnAttributesAdded(attrs []models.Attribute) {
	l := h.layer
	for _, attr := range attrs {
		l.localFields = append(l.localFields, attr.Name)
		if !attr.Type.Valid() {
			glog.Warningf("[Engine] layer %s: skipping attribute %s of unsupported type %q", l.record.Name, attr.Name, attr.Type)
			continue
		}
		l.record.Attributes = append(l.record.Attributes, attr)
		l.changes.attributesModified = true
	}
}

func (h *editHandler) OnAttributesDeleted(indexes []int) {
	l := h.layer
	sorted := slices.Clone(indexes)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))
	for _, idx := range sorted {
		if idx < 0 || idx >= len(l.localFields) {
			glog.Warningf("[Engine] layer %s: ignoring deletion of unknown attribute index %d", l.record.Name, idx)
			continue
		}
		name := l.localFields[idx]
		l.localFields = slices.Delete(l.localFields, idx, idx+1)
		at := slices.IndexFunc(l.record.Attributes, func(a models.Attribute) bool { return a.Name == name })
		if at < 0 {
			// Never synced, e.g. an unsupported type.
			continue
		}
		l.record.Attributes = slices.Delete(l.record.Attributes, at, at+1)
		l.changes.attributesModified = true
	}
}

func (h *editHandler) OnCommitted() error {
	return h.layer.engine.handleCommit(h.layer)
}
