package host

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/layersync/backend/internal/geo"
	"github.com/layersync/backend/internal/models"
	"github.com/paulmach/orb"
)

var (
	ErrNotEditing      = errors.New("layer is not in edit mode")
	ErrFeatureNotFound = errors.New("feature not found")
	ErrFieldIndex      = errors.New("field index out of range")
)

// MemoryLayer is an EditableLayer backed by a FeatureStore.
type MemoryLayer struct {
	mu       sync.RWMutex
	id       string
	name     string
	kind     models.GeometryKind
	srid     int
	fields   []models.Attribute
	store    FeatureStore
	nextID   FeatureID
	edit     *editSession
	selected []FeatureID
	repaints int

	listeners callbackList[EditListener]
}

type schemaOp struct {
	added   *models.Attribute
	deleted int
}

// editSession is a working copy of the layer while it is being edited.
type editSession struct {
	fields   []models.Attribute
	features map[FeatureID]*Feature
	added    []FeatureID
	removed  []FeatureID
	changed  map[FeatureID]bool
	schema   []schemaOp
	nextTemp FeatureID
}

// NewMemoryLayer creates a layer. A nil store keeps features in memory.
func NewMemoryLayer(name string, kind models.GeometryKind, srid int, fields []models.Attribute, store FeatureStore) (*MemoryLayer, error) {
	return newMemoryLayer(newLayerID(name), name, kind, srid, fields, store)
}

func newLayerID(name string) string {
	return fmt.Sprintf("%s_%s", name, uuid.NewString())
}

func newMemoryLayer(id, name string, kind models.GeometryKind, srid int, fields []models.Attribute, store FeatureStore) (*MemoryLayer, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnsupportedGeometry, kind)
	}
	if store == nil {
		store = NewMemoryStore()
	}
	existing, err := store.All()
	if err != nil {
		return nil, fmt.Errorf("reading feature store: %w", err)
	}
	next := FeatureID(1)
	for _, f := range existing {
		if f.ID >= next {
			next = f.ID + 1
		}
	}
	return &MemoryLayer{
		id:     id,
		name:   name,
		kind:   kind,
		srid:   srid,
		fields: slices.Clone(fields),
		store:  store,
		nextID: next,
	}, nil
}

func (l *MemoryLayer) ID() string { return l.id }

func (l *MemoryLayer) Name() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.name
}

func (l *MemoryLayer) SetName(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.name = name
}

func (l *MemoryLayer) GeometryKind() models.GeometryKind { return l.kind }

func (l *MemoryLayer) SRID() int { return l.srid }

// Fields returns the committed field list.
func (l *MemoryLayer) Fields() []models.Attribute {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.fields)
}

// Feature returns a committed feature.
func (l *MemoryLayer) Feature(id FeatureID) (*Feature, bool) {
	f, ok, err := l.store.Get(id)
	if err != nil || !ok {
		return nil, false
	}
	return f, true
}

func (l *MemoryLayer) Features() []*Feature {
	features, err := l.store.All()
	if err != nil {
		return nil
	}
	return features
}

func (l *MemoryLayer) FeatureCount() int {
	return len(l.Features())
}

func (l *MemoryLayer) Extent() orb.Bound {
	features := l.Features()
	geoms := make([]models.Geometry, len(features))
	for i, f := range features {
		geoms[i] = f.Geometry
	}
	return geo.Extent(geoms)
}

// RepaintCount returns how many times TriggerRepaint was called.
func (l *MemoryLayer) RepaintCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.repaints
}

func (l *MemoryLayer) TriggerRepaint() {
	l.mu.Lock()
	l.repaints++
	l.mu.Unlock()
}

func (l *MemoryLayer) checkGeometry(g models.Geometry) error {
	kind, err := g.Kind()
	if err != nil {
		return err
	}
	if kind != l.kind {
		return fmt.Errorf("%w: %s into %s layer", models.ErrGeometryMismatch, kind, l.kind)
	}
	return nil
}

func normalizeAttributes(attrs []any, n int) ([]any, error) {
	if len(attrs) > n {
		return nil, fmt.Errorf("%d attributes for %d fields", len(attrs), n)
	}
	out := make([]any, n)
	copy(out, attrs)
	return out, nil
}

// AddFeatures writes features to the store and returns their new ids.
func (l *MemoryLayer) AddFeatures(features []*Feature) ([]FeatureID, error) {
	l.mu.Lock()
	added := make([]*Feature, 0, len(features))
	for _, f := range features {
		if err := l.checkGeometry(f.Geometry); err != nil {
			l.mu.Unlock()
			return nil, err
		}
		attrs, err := normalizeAttributes(f.Attributes, len(l.fields))
		if err != nil {
			l.mu.Unlock()
			return nil, err
		}
		added = append(added, &Feature{ID: l.nextID, Geometry: f.Geometry, Attributes: attrs})
		l.nextID++
	}
	ids := make([]FeatureID, len(added))
	for i, f := range added {
		if err := l.store.Put(f); err != nil {
			l.mu.Unlock()
			return nil, fmt.Errorf("storing feature %d: %w", f.ID, err)
		}
		if l.edit != nil {
			l.edit.features[f.ID] = f.Clone()
		}
		ids[i] = f.ID
	}
	l.mu.Unlock()

	if len(added) > 0 {
		for _, listener := range l.listeners.get() {
			listener.OnFeaturesAdded(cloneAll(added))
		}
	}
	return ids, nil
}

// DeleteFeatures removes features from the store. Nothing is removed when
// one of the ids is unknown.
func (l *MemoryLayer) DeleteFeatures(ids []FeatureID) error {
	l.mu.Lock()
	for _, id := range ids {
		if _, ok, _ := l.store.Get(id); !ok {
			l.mu.Unlock()
			return fmt.Errorf("%w: %d", ErrFeatureNotFound, id)
		}
	}
	for _, id := range ids {
		if err := l.store.Delete(id); err != nil {
			l.mu.Unlock()
			return err
		}
		if l.edit != nil {
			delete(l.edit.features, id)
			delete(l.edit.changed, id)
		}
	}
	l.mu.Unlock()

	if len(ids) > 0 {
		for _, listener := range l.listeners.get() {
			listener.OnFeaturesRemoved(slices.Clone(ids))
		}
	}
	return nil
}

// ChangeAttributeValues writes attribute values keyed by field index.
func (l *MemoryLayer) ChangeAttributeValues(changes map[FeatureID]map[int]any) error {
	return l.changeFeatures(sortedKeys(changes), func(f *Feature) error {
		for idx, v := range changes[f.ID] {
			if idx < 0 || idx >= len(f.Attributes) {
				return fmt.Errorf("%w: %d", ErrFieldIndex, idx)
			}
			f.Attributes[idx] = v
		}
		return nil
	})
}

// ChangeGeometryValues replaces feature geometries.
func (l *MemoryLayer) ChangeGeometryValues(changes map[FeatureID]models.Geometry) error {
	return l.changeFeatures(sortedKeys(changes), func(f *Feature) error {
		g := changes[f.ID]
		if err := l.checkGeometry(g); err != nil {
			return err
		}
		f.Geometry = g
		return nil
	})
}

func (l *MemoryLayer) changeFeatures(ids []FeatureID, apply func(f *Feature) error) error {
	if len(ids) == 0 {
		return nil
	}
	l.mu.Lock()
	updated := make([]*Feature, 0, len(ids))
	for _, id := range ids {
		f, ok, err := l.store.Get(id)
		if err != nil {
			l.mu.Unlock()
			return err
		}
		if !ok {
			l.mu.Unlock()
			return fmt.Errorf("%w: %d", ErrFeatureNotFound, id)
		}
		if err := apply(f); err != nil {
			l.mu.Unlock()
			return err
		}
		updated = append(updated, f)
	}
	for _, f := range updated {
		if err := l.store.Put(f); err != nil {
			l.mu.Unlock()
			return err
		}
		if l.edit != nil {
			l.edit.features[f.ID] = f.Clone()
		}
	}
	l.mu.Unlock()

	for _, listener := range l.listeners.get() {
		listener.OnFeaturesChanged(slices.Clone(ids))
	}
	return nil
}

// Truncate removes every feature.
func (l *MemoryLayer) Truncate() error {
	features := l.Features()
	l.mu.Lock()
	if err := l.store.Truncate(); err != nil {
		l.mu.Unlock()
		return err
	}
	if l.edit != nil {
		l.edit.features = make(map[FeatureID]*Feature)
		l.edit.changed = make(map[FeatureID]bool)
		l.edit.added = nil
	}
	l.mu.Unlock()

	if len(features) > 0 {
		ids := make([]FeatureID, len(features))
		for i, f := range features {
			ids[i] = f.ID
		}
		for _, listener := range l.listeners.get() {
			listener.OnFeaturesRemoved(ids)
		}
	}
	return nil
}

// StartEditing opens an edit session. It is a no-op when already editing.
func (l *MemoryLayer) StartEditing() error {
	features, err := l.store.All()
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.edit != nil {
		return nil
	}
	session := &editSession{
		fields:   slices.Clone(l.fields),
		features: make(map[FeatureID]*Feature, len(features)),
		changed:  make(map[FeatureID]bool),
	}
	for _, f := range features {
		session.features[f.ID] = f
	}
	l.edit = session
	return nil
}

func (l *MemoryLayer) IsEditing() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.edit != nil
}

// AddFeature buffers a new feature and returns its temporary id.
func (l *MemoryLayer) AddFeature(f *Feature) (FeatureID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.edit == nil {
		return 0, ErrNotEditing
	}
	if err := l.checkGeometry(f.Geometry); err != nil {
		return 0, err
	}
	attrs, err := normalizeAttributes(f.Attributes, len(l.edit.fields))
	if err != nil {
		return 0, err
	}
	l.edit.nextTemp--
	id := l.edit.nextTemp
	l.edit.features[id] = &Feature{ID: id, Geometry: f.Geometry, Attributes: attrs}
	l.edit.added = append(l.edit.added, id)
	return id, nil
}

func (l *MemoryLayer) DeleteFeature(id FeatureID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.edit == nil {
		return ErrNotEditing
	}
	if _, ok := l.edit.features[id]; !ok {
		return fmt.Errorf("%w: %d", ErrFeatureNotFound, id)
	}
	delete(l.edit.features, id)
	if id < 0 {
		l.edit.added = slices.DeleteFunc(l.edit.added, func(a FeatureID) bool { return a == id })
		return nil
	}
	delete(l.edit.changed, id)
	l.edit.removed = append(l.edit.removed, id)
	return nil
}

func (l *MemoryLayer) ChangeAttributeValue(id FeatureID, field int, value any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.edit == nil {
		return ErrNotEditing
	}
	f, ok := l.edit.features[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrFeatureNotFound, id)
	}
	if field < 0 || field >= len(l.edit.fields) {
		return fmt.Errorf("%w: %d", ErrFieldIndex, field)
	}
	f.Attributes[field] = value
	if id > 0 {
		l.edit.changed[id] = true
	}
	return nil
}

func (l *MemoryLayer) ChangeGeometry(id FeatureID, g models.Geometry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.edit == nil {
		return ErrNotEditing
	}
	f, ok := l.edit.features[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrFeatureNotFound, id)
	}
	if err := l.checkGeometry(g); err != nil {
		return err
	}
	f.Geometry = g
	if id > 0 {
		l.edit.changed[id] = true
	}
	return nil
}

// AddAttribute appends a field to the buffered schema.
func (l *MemoryLayer) AddAttribute(attr models.Attribute) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.edit == nil {
		return ErrNotEditing
	}
	if slices.ContainsFunc(l.edit.fields, func(a models.Attribute) bool { return a.Name == attr.Name }) {
		return fmt.Errorf("field %q already exists", attr.Name)
	}
	l.edit.fields = append(l.edit.fields, attr)
	for _, f := range l.edit.features {
		f.Attributes = append(f.Attributes, nil)
	}
	a := attr
	l.edit.schema = append(l.edit.schema, schemaOp{added: &a})
	return nil
}

// DeleteAttribute removes the field at index from the buffered schema.
func (l *MemoryLayer) DeleteAttribute(field int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.edit == nil {
		return ErrNotEditing
	}
	if field < 0 || field >= len(l.edit.fields) {
		return fmt.Errorf("%w: %d", ErrFieldIndex, field)
	}
	l.edit.fields = slices.Delete(l.edit.fields, field, field+1)
	for _, f := range l.edit.features {
		f.Attributes = slices.Delete(f.Attributes, field, field+1)
	}
	l.edit.schema = append(l.edit.schema, schemaOp{deleted: field})
	return nil
}

// CommitChanges writes the edit session to the store, then notifies the
// listeners: schema changes in edit order, removals, additions, changes and
// finally OnCommitted. Listener errors are joined and returned.
func (l *MemoryLayer) CommitChanges() error {
	l.mu.Lock()
	session := l.edit
	if session == nil {
		l.mu.Unlock()
		return ErrNotEditing
	}

	for _, id := range session.removed {
		if err := l.store.Delete(id); err != nil {
			l.mu.Unlock()
			return fmt.Errorf("deleting feature %d: %w", id, err)
		}
	}

	var dirty []FeatureID
	if len(session.schema) > 0 {
		for id := range session.features {
			if id > 0 {
				dirty = append(dirty, id)
			}
		}
	} else {
		dirty = sortedKeys(session.changed)
	}
	for _, id := range dirty {
		if err := l.store.Put(session.features[id]); err != nil {
			l.mu.Unlock()
			return fmt.Errorf("updating feature %d: %w", id, err)
		}
	}

	added := make([]*Feature, 0, len(session.added))
	for _, tmp := range session.added {
		f := session.features[tmp]
		f.ID = l.nextID
		l.nextID++
		if err := l.store.Put(f); err != nil {
			l.mu.Unlock()
			return fmt.Errorf("storing feature %d: %w", f.ID, err)
		}
		added = append(added, f)
	}

	l.fields = session.fields
	l.edit = nil
	l.mu.Unlock()

	listeners := l.listeners.get()
	for _, op := range session.schema {
		for _, listener := range listeners {
			if op.added != nil {
				listener.OnAttributesAdded([]models.Attribute{*op.added})
			} else {
				listener.OnAttributesDeleted([]int{op.deleted})
			}
		}
	}
	changed := sortedKeys(session.changed)
	for _, listener := range listeners {
		if len(session.removed) > 0 {
			listener.OnFeaturesRemoved(slices.Clone(session.removed))
		}
		if len(added) > 0 {
			listener.OnFeaturesAdded(cloneAll(added))
		}
		if len(changed) > 0 {
			listener.OnFeaturesChanged(slices.Clone(changed))
		}
	}

	var errs []error
	for _, listener := range listeners {
		if err := listener.OnCommitted(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RollBack discards the edit session.
func (l *MemoryLayer) RollBack() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.edit = nil
}

func (l *MemoryLayer) Select(ids []FeatureID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.selected = slices.Clone(ids)
}

func (l *MemoryLayer) SelectedFeatureIDs() []FeatureID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.selected)
}

func (l *MemoryLayer) Subscribe(listener EditListener) func() {
	return l.listeners.add(listener)
}

// Close releases the feature store.
func (l *MemoryLayer) Close() error {
	return l.store.Close()
}

var _ io.Closer = (*MemoryLayer)(nil)

func cloneAll(features []*Feature) []*Feature {
	out := make([]*Feature, len(features))
	for i, f := range features {
		out[i] = f.Clone()
	}
	return out
}

func sortedKeys[V any](m map[FeatureID]V) []FeatureID {
	keys := make([]FeatureID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, cmp.Compare[FeatureID])
	return keys
}
