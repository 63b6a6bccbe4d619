// Package engine keeps local editable layers and their remote counterparts
// in sync. All methods must be called from the dispatch loop that owns the
// engine; background work hands its results back through the loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/layersync/backend/internal/dispatch"
	"github.com/layersync/backend/internal/host"
)

var (
	ErrLayerNotFound  = errors.New("layer not found")
	ErrLayerNotLoaded = errors.New("layer is not loaded")
	ErrNotSubLayer    = errors.New("layer is not a sub-layer")
	ErrNestedSubLayer = errors.New("sub-layers cannot have sub-layers")
	ErrNoSelection    = errors.New("no features selected")
	ErrNoRealtime     = errors.New("no realtime worker attached")
)

// Options tune the engine.
type Options struct {
	// AsyncCommit pushes commits from a background writer instead of
	// blocking the host's commit call.
	AsyncCommit bool
	// StrictErrors returns commit and ingestion failures to the caller
	// instead of only logging them.
	StrictErrors bool
	// OnEvent is called on the dispatch loop for every engine event.
	OnEvent func(Event)
}

// Realtime is the background worker delivering remote changes.
type Realtime interface {
	Start(ctx context.Context) error
	Stop() error
	Running() bool
}

// Engine is the catalog of remote layers plus the sync machinery.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	store   Store
	project host.Project
	poster  dispatch.Poster
	opts    Options

	catalog map[string]*RemoteLayer

	realtime Realtime

	writes     chan queuedCommit
	writerDone chan struct{}
	closeOnce  sync.Once

	unsubscribeProject func()
}

// New creates an engine. poster must deliver to the goroutine that calls
// the engine's methods.
func New(store Store, project host.Project, poster dispatch.Poster, opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		ctx:     ctx,
		cancel:  cancel,
		store:   store,
		project: project,
		poster:  poster,
		opts:    opts,
		catalog: make(map[string]*RemoteLayer),
	}
	e.unsubscribeProject = project.OnLayersRemoved(func(ids []string) {
		e.OnLayersRemoved(ids)
	})
	if opts.AsyncCommit {
		e.writes = make(chan queuedCommit, 64)
		e.writerDone = make(chan struct{})
		go e.runWriter()
	}
	return e
}

// AttachRealtime sets the worker started by StartRealtime.
func (e *Engine) AttachRealtime(r Realtime) {
	e.realtime = r
}

// StartRealtime starts the change-stream worker. Starting twice is a no-op.
func (e *Engine) StartRealtime() error {
	if e.realtime == nil {
		return ErrNoRealtime
	}
	if e.realtime.Running() {
		return nil
	}
	if err := e.realtime.Start(e.ctx); err != nil {
		return fmt.Errorf("starting realtime: %w", err)
	}
	glog.Infof("[Engine] realtime started")
	return nil
}

// StopRealtime stops the worker and waits for it within its bound.
func (e *Engine) StopRealtime() error {
	if e.realtime == nil || !e.realtime.Running() {
		return nil
	}
	return e.realtime.Stop()
}

// RealtimeRunning reports whether the worker is running.
func (e *Engine) RealtimeRunning() bool {
	return e.realtime != nil && e.realtime.Running()
}

// Close stops realtime, detaches every layer and stops the background writer.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.StopRealtime()
		e.RemoveAllLayers()
		if e.unsubscribeProject != nil {
			e.unsubscribeProject()
		}
		if e.writes != nil {
			close(e.writes)
			<-e.writerDone
		}
		e.cancel()
	})
	return err
}

// report logs err and returns it only in strict mode.
func (e *Engine) report(op string, err error) error {
	if err == nil {
		return nil
	}
	glog.Errorf("[Engine] %s: %v", op, err)
	e.emit(Event{Type: EventError, Message: fmt.Sprintf("%s: %v", op, err)})
	if e.opts.StrictErrors {
		return err
	}
	return nil
}

func (e *Engine) emit(ev Event) {
	if e.opts.OnEvent != nil {
		e.opts.OnEvent(ev)
	}
}
