package engine

import (
	"errors"
	"fmt"
	"slices"

	"github.com/golang/glog"
	"github.com/layersync/backend/internal/geo"
	"github.com/layersync/backend/internal/host"
	"github.com/layersync/backend/internal/models"
	"github.com/layersync/backend/internal/realtime"
)

// ApplyBatch applies remote notifications to the loaded layers: inserts,
// then updates, then deletes. Notifications for layers that are not loaded
// and echoes of this process's own writes are dropped.
func (e *Engine) ApplyBatch(b realtime.Batch) error {
	var errs []error
	fail := func(l *RemoteLayer, err error) {
		if err = e.report(fmt.Sprintf("apply remote changes to layer %s", l.Name()), err); err != nil {
			errs = append(errs, err)
		}
	}

	inserts := groupByLayer(b.Inserts)
	for _, id := range sortedKeys(inserts) {
		if l, ok := e.loadedLayer(id); ok {
			if err := e.applyInserts(l, inserts[id]); err != nil {
				fail(l, err)
			}
		}
	}

	updates := groupByLayer(b.Updates)
	for _, id := range sortedKeys(updates) {
		if l, ok := e.loadedLayer(id); ok {
			if err := e.applyUpdates(l, updates[id]); err != nil {
				fail(l, err)
			}
		}
	}

	deletes := make(map[string][]string)
	var orphans []string
	for _, d := range b.Deletes {
		if d.LayerID == "" {
			orphans = append(orphans, d.ID)
			continue
		}
		deletes[d.LayerID] = append(deletes[d.LayerID], d.ID)
	}
	for _, id := range sortedKeys(deletes) {
		if l, ok := e.loadedLayer(id); ok {
			if _, err := e.applyDeletes(l, deletes[id]); err != nil {
				fail(l, err)
			}
		}
	}
	// Deletes without a layer id go to whichever loaded layer has them bound.
	for _, l := range e.Layers() {
		if len(orphans) == 0 {
			break
		}
		if !l.IsLoaded() {
			continue
		}
		claimed, err := e.applyDeletes(l, orphans)
		if err != nil {
			fail(l, err)
			continue
		}
		orphans = slices.DeleteFunc(orphans, func(id string) bool { return slices.Contains(claimed, id) })
	}
	return errors.Join(errs...)
}

func (e *Engine) loadedLayer(id string) (*RemoteLayer, bool) {
	l, ok := e.catalog[id]
	if !ok || !l.IsLoaded() {
		return nil, false
	}
	return l, true
}

func groupByLayer(recs []models.FeatureRecord) map[string][]models.FeatureRecord {
	out := make(map[string][]models.FeatureRecord)
	for _, rec := range recs {
		out[rec.LayerID] = append(out[rec.LayerID], rec)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// applyInserts adds the records not yet bound. All records are converted
// before anything is added.
func (e *Engine) applyInserts(l *RemoteLayer, recs []models.FeatureRecord) error {
	local := l.local
	fields := local.Fields()
	seen := make(map[string]bool, len(recs))
	var fresh []models.FeatureRecord
	var features []*host.Feature
	for _, rec := range recs {
		if _, bound := l.ids.LocalFor(rec.ID); bound || seen[rec.ID] {
			glog.V(1).Infof("[Engine] layer %s: ignoring insert echo %s", l.Name(), rec.ID)
			continue
		}
		seen[rec.ID] = true
		f, err := recordToFeature(rec, fields, l.GeometryKind())
		if err != nil {
			return err
		}
		fresh = append(fresh, rec)
		features = append(features, f)
	}
	if len(features) == 0 {
		return nil
	}

	l.muted++
	ids, err := local.AddFeatures(features)
	l.muted--
	if err != nil {
		return fmt.Errorf("adding %d features: %w", len(features), err)
	}
	for i, id := range ids {
		l.ids.Bind(id, fresh[i].ID)
	}
	local.TriggerRepaint()
	glog.V(1).Infof("[Engine] layer %s: added %d remote features", l.Name(), len(ids))
	e.emit(Event{Type: EventLayerChanged, LayerID: l.ID()})
	return nil
}

// applyUpdates diffs each record against its local feature and writes only
// the attributes and geometries that differ.
func (e *Engine) applyUpdates(l *RemoteLayer, recs []models.FeatureRecord) error {
	local := l.local
	fields := local.Fields()
	attrChanges := make(map[host.FeatureID]map[int]any)
	geomChanges := make(map[host.FeatureID]models.Geometry)

	for _, rec := range recs {
		if l.changes.consumeManuallyUpdated(rec.ID) {
			glog.V(1).Infof("[Engine] layer %s: ignoring update echo %s", l.Name(), rec.ID)
			continue
		}
		localID, ok := l.ids.LocalFor(rec.ID)
		if !ok {
			continue
		}
		f, ok := local.Feature(localID)
		if !ok {
			glog.Warningf("[Engine] layer %s: bound feature %d is missing", l.Name(), localID)
			continue
		}

		for i, field := range fields {
			if !l.hasAttribute(field.Name) {
				continue
			}
			v, present := rec.Attributes[field.Name]
			if !present {
				continue
			}
			v = models.ToLocalValue(v, field.Type)
			var current any
			if i < len(f.Attributes) {
				current = f.Attributes[i]
			}
			if !models.ValuesEqual(current, v) {
				if attrChanges[localID] == nil {
					attrChanges[localID] = make(map[int]any)
				}
				attrChanges[localID][i] = v
			}
		}

		// Attribute-only updates carry no geometry.
		if rec.Geom.Type == "" {
			continue
		}
		remote, err := geo.PointOf(rec.Geom)
		if err != nil {
			glog.Warningf("[Engine] layer %s: ignoring geometry of update %s: %v", l.Name(), rec.ID, err)
			continue
		}
		current, err := geo.PointOf(f.Geometry)
		if err != nil {
			glog.Warningf("[Engine] layer %s: feature %d: %v", l.Name(), localID, err)
			continue
		}
		if !geo.SamePoint(current, remote) {
			geomChanges[localID] = models.NewPoint(remote[0], remote[1], remote[2])
		}
	}

	if len(attrChanges) == 0 && len(geomChanges) == 0 {
		return nil
	}
	l.muted++
	defer func() { l.muted-- }()
	if len(attrChanges) > 0 {
		if err := local.ChangeAttributeValues(attrChanges); err != nil {
			return fmt.Errorf("changing attributes: %w", err)
		}
	}
	if len(geomChanges) > 0 {
		if err := local.ChangeGeometryValues(geomChanges); err != nil {
			return fmt.Errorf("changing geometries: %w", err)
		}
	}
	local.TriggerRepaint()
	e.emit(Event{Type: EventLayerChanged, LayerID: l.ID()})
	return nil
}

func (l *RemoteLayer) hasAttribute(name string) bool {
	return slices.ContainsFunc(l.record.Attributes, func(a models.Attribute) bool { return a.Name == name })
}

// applyDeletes removes the bound features among remoteIDs and returns the
// ids it handled. Bindings are dropped before the local delete so the
// layer's listener sees unbound ids; they are restored if the delete fails.
func (e *Engine) applyDeletes(l *RemoteLayer, remoteIDs []string) ([]string, error) {
	var claimed []string
	var localIDs []host.FeatureID
	for _, remoteID := range remoteIDs {
		localID, ok := l.ids.LocalFor(remoteID)
		if !ok {
			continue
		}
		claimed = append(claimed, remoteID)
		localIDs = append(localIDs, localID)
	}
	if len(localIDs) == 0 {
		return nil, nil
	}

	for _, remoteID := range claimed {
		l.ids.UnbindRemote(remoteID)
	}
	if err := l.local.DeleteFeatures(localIDs); err != nil {
		for i, remoteID := range claimed {
			l.ids.Bind(localIDs[i], remoteID)
		}
		return nil, fmt.Errorf("deleting %d features: %w", len(localIDs), err)
	}
	l.local.TriggerRepaint()
	glog.V(1).Infof("[Engine] layer %s: deleted %d remote features", l.Name(), len(localIDs))
	e.emit(Event{Type: EventLayerChanged, LayerID: l.ID()})
	return claimed, nil
}
