package engine

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/layersync/backend/internal/host"
)

// writeOp is one remote call of a commit. Bookkeeping (bindings, echo
// markers) is applied when the op is planned and undone by rollback when
// the op never succeeds.
type writeOp struct {
	name     string
	run      func(ctx context.Context) error
	rollback func()
}

func (e *Engine) handleCommit(l *RemoteLayer) error {
	err := e.commit(l)
	if err == nil {
		return nil
	}
	return e.report(fmt.Sprintf("commit layer %s", l.Name()), err)
}

// commit pushes the layer's ChangeSet: inserts, updates, deletes, then the
// full attribute schema if it changed. The ChangeSet is cleared whatever
// happens; the first failing call stops the remaining ones. Nothing is
// retried.
func (e *Engine) commit(l *RemoteLayer) error {
	if l.changes.IsEmpty() {
		return nil
	}
	inserted, updated, deleted, attrsModified := l.changes.drain()
	local := l.local
	if local == nil {
		return ErrLayerNotMaterialized
	}

	ops, err := e.planCommit(l, local, inserted, updated, deleted, attrsModified)
	if err != nil {
		rollback(ops)
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	glog.V(1).Infof("[Engine] committing %d changes of layer %s", len(ops), l.Name())

	if e.writes != nil {
		e.writes <- queuedCommit{layerID: l.ID(), ops: ops}
		return nil
	}
	if err := e.runOps(ops); err != nil {
		return err
	}
	e.emit(Event{Type: EventCommitted, LayerID: l.ID()})
	return nil
}

func (e *Engine) planCommit(l *RemoteLayer, local host.EditableLayer, inserted [][]*host.Feature, updated, deleted []host.FeatureID, attrsModified bool) ([]writeOp, error) {
	fields := l.syncedFields(local)
	layerID := l.ID()
	kind := l.GeometryKind()
	var ops []writeOp

	for _, batch := range inserted {
		for _, f := range batch {
			remoteID := uuid.NewString()
			rec, err := featureToRecord(f, fields, layerID, remoteID)
			if err != nil {
				return ops, fmt.Errorf("converting feature %d: %w", f.ID, err)
			}
			// Bound before the call so a fast remote notification is
			// recognized as an echo.
			l.ids.Bind(f.ID, remoteID)
			ops = append(ops, writeOp{
				name:     "insert feature " + remoteID,
				run:      func(ctx context.Context) error { return e.store.InsertFeature(ctx, rec) },
				rollback: func() { l.ids.UnbindRemote(remoteID) },
			})
		}
	}

	seen := make(map[host.FeatureID]bool, len(updated))
	for _, id := range updated {
		if seen[id] {
			continue
		}
		seen[id] = true
		remoteID, ok := l.ids.RemoteFor(id)
		if !ok {
			continue
		}
		f, ok := local.Feature(id)
		if !ok {
			glog.Warningf("[Engine] layer %s: updated feature %d no longer exists", l.Name(), id)
			continue
		}
		rec, err := featureToRecord(f, fields, layerID, remoteID)
		if err != nil {
			return ops, fmt.Errorf("converting feature %d: %w", id, err)
		}
		l.changes.markManuallyUpdated(remoteID)
		ops = append(ops, writeOp{
			name:     "update feature " + remoteID,
			run:      func(ctx context.Context) error { return e.store.UpdateFeature(ctx, rec) },
			rollback: func() { l.changes.consumeManuallyUpdated(remoteID) },
		})
	}

	for _, id := range deleted {
		remoteID, ok := l.ids.RemoteFor(id)
		if !ok {
			continue
		}
		localID := id
		l.ids.UnbindRemote(remoteID)
		ops = append(ops, writeOp{
			name:     "delete feature " + remoteID,
			run:      func(ctx context.Context) error { return e.store.DeleteFeature(ctx, kind, remoteID) },
			rollback: func() { l.ids.Bind(localID, remoteID) },
		})
	}

	if attrsModified {
		attrs := l.Attributes()
		ops = append(ops, writeOp{
			name: "update attributes of layer " + layerID,
			run: func(ctx context.Context) error {
				return e.store.UpdateAttributeSchema(ctx, layerID, attrs)
			},
		})
	}
	return ops, nil
}

// runOps executes ops in order and rolls back the failing op and every op
// after it.
func (e *Engine) runOps(ops []writeOp) error {
	for i, op := range ops {
		if err := op.run(e.ctx); err != nil {
			rollback(ops[i:])
			return fmt.Errorf("%s: %w", op.name, err)
		}
	}
	return nil
}

func rollback(ops []writeOp) {
	for _, op := range ops {
		if op.rollback != nil {
			op.rollback()
		}
	}
}

// queuedCommit is one layer commit waiting for the writer goroutine.
type queuedCommit struct {
	layerID string
	ops     []writeOp
}

// runWriter executes queued commits one after the other so their order is
// kept. Rollbacks and events go back through the dispatch loop.
func (e *Engine) runWriter() {
	defer close(e.writerDone)
	for c := range e.writes {
		if failed, err := e.runQueued(c.ops); err != nil {
			e.poster.Post(func() {
				rollback(failed)
				e.report("async commit", err)
			})
			continue
		}
		layerID := c.layerID
		e.poster.Post(func() { e.emit(Event{Type: EventCommitted, LayerID: layerID}) })
	}
}

// runQueued runs ops in order and returns the ones left to roll back after
// the first failure.
func (e *Engine) runQueued(ops []writeOp) ([]writeOp, error) {
	for i, op := range ops {
		if err := op.run(e.ctx); err != nil {
			return ops[i:], fmt.Errorf("%s: %w", op.name, err)
		}
	}
	return nil, nil
}
