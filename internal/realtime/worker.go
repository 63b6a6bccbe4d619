package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/layersync/backend/internal/dispatch"
)

const (
	// PositionEvent is the broadcast carrying a collaborator's position.
	PositionEvent = "jakartowns_position"
	// BroadcastRequestEvent asks every viewer to broadcast its position.
	BroadcastRequestEvent = "jakartowns_position_broadcast_request"

	positionsChannelPrefix = "jakartowns_positions_"
	presenceClientIDKey    = "presence_client_id"
)

// PositionsChannel returns the private channel of a user.
func PositionsChannel(userID string) string {
	return positionsChannelPrefix + userID
}

// Credentials provides the access token and user id of the session.
type Credentials interface {
	AccessToken(ctx context.Context) (string, error)
	UserID() string
}

// PresenceHandler receives collaborator presence. Its methods run on the
// dispatch loop.
type PresenceHandler interface {
	Join(clientIDs []string)
	Leave(clientIDs []string)
	HandlePosition(payload map[string]any)
}

// WorkerOptions configure a Worker.
type WorkerOptions struct {
	Table          string
	CoalesceWindow time.Duration
	PollInterval   time.Duration
	StopTimeout    time.Duration
	// TokenCheckInterval is how often the access token is checked for
	// renewal.
	TokenCheckInterval time.Duration
}

func (o *WorkerOptions) defaults() {
	if o.Table == "" {
		o.Table = "points"
	}
	if o.CoalesceWindow <= 0 {
		o.CoalesceWindow = 250 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if o.TokenCheckInterval <= 0 {
		o.TokenCheckInterval = 30 * time.Second
	}
}

type outbound struct {
	event   string
	payload any
}

// Worker owns the change-feed session in the background. Notifications are
// buffered and handed to the dispatch loop at most once per coalescing
// window.
type Worker struct {
	newStream func() Stream
	creds     Credentials
	poster    dispatch.Poster
	onBatch   func(Batch)
	presence  PresenceHandler
	opts      WorkerOptions

	// OnError is called on the dispatch loop when the session fails while
	// the worker is not stopping.
	OnError func(error)

	broadcasts chan outbound

	mu       sync.Mutex
	pending  Batch
	started  bool
	stopping bool
	cancel   context.CancelFunc
	finished chan struct{}
}

// NewWorker creates a stopped worker. newStream is called on every Start.
func NewWorker(newStream func() Stream, creds Credentials, poster dispatch.Poster, onBatch func(Batch), presence PresenceHandler, opts WorkerOptions) *Worker {
	opts.defaults()
	return &Worker{
		newStream:  newStream,
		creds:      creds,
		poster:     poster,
		onBatch:    onBatch,
		presence:   presence,
		opts:       opts,
		broadcasts: make(chan outbound, 64),
	}
}

// Start launches the session goroutine. Starting a running worker is a
// no-op.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	w.started = true
	w.stopping = false
	w.cancel = cancel
	w.finished = make(chan struct{})
	go w.run(ctx, w.finished)
	return nil
}

// Stop cancels the session and waits for it within StopTimeout. A worker
// that does not stop in time is logged and left behind.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.stopping = true
	w.cancel()
	finished := w.finished
	w.mu.Unlock()

	select {
	case <-finished:
	case <-time.After(w.opts.StopTimeout):
		glog.Warningf("[Realtime] worker did not stop within %s", w.opts.StopTimeout)
	}
	return nil
}

// Running reports whether the session goroutine is alive.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// Finished is closed when the current session goroutine exits. It is nil
// before the first Start.
func (w *Worker) Finished() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finished
}

// EnqueueBroadcast queues an event for the private channel. It never
// blocks; events are dropped when the queue is full.
func (w *Worker) EnqueueBroadcast(event string, payload any) {
	select {
	case w.broadcasts <- outbound{event: event, payload: payload}:
	default:
		glog.Warningf("[Realtime] broadcast queue full, dropping %s", event)
	}
}

func (w *Worker) run(ctx context.Context, finished chan struct{}) {
	defer func() {
		w.mu.Lock()
		w.started = false
		w.pending.reset()
		w.mu.Unlock()
		close(finished)
	}()

	err := w.session(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	w.mu.Lock()
	stopping := w.stopping
	w.mu.Unlock()
	if stopping {
		glog.V(1).Infof("[Realtime] session ended while stopping: %v", err)
		return
	}
	glog.Errorf("[Realtime] session failed: %v", err)
	if w.OnError != nil {
		w.poster.Post(func() { w.OnError(err) })
	}
}

func (w *Worker) session(ctx context.Context) error {
	stream := w.newStream()
	if err := stream.Connect(ctx); err != nil {
		return err
	}
	defer stream.Close()

	token, err := w.creds.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("getting access token: %w", err)
	}
	if err := stream.SetAuth(token); err != nil {
		return err
	}
	if err := stream.SubscribeTableChanges(ctx, w.opts.Table, w.handleChange); err != nil {
		return fmt.Errorf("subscribing to %s: %w", w.opts.Table, err)
	}
	channel, err := stream.SubscribePrivateChannel(ctx, PositionsChannel(w.creds.UserID()), uuid.NewString(), ChannelHandlers{
		OnJoin:      w.handleJoin,
		OnLeave:     w.handleLeave,
		OnBroadcast: w.handleBroadcast,
	})
	if err != nil {
		return fmt.Errorf("subscribing to positions: %w", err)
	}
	w.EnqueueBroadcast(BroadcastRequestEvent, map[string]any{})

	poll := time.NewTicker(w.opts.PollInterval)
	defer poll.Stop()
	tokenCheck := time.NewTicker(w.opts.TokenCheckInterval)
	defer tokenCheck.Stop()
	lastEmit := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stream.Done():
			return stream.Err()
		case msg := <-w.broadcasts:
			if err := channel.SendBroadcast(ctx, msg.event, msg.payload); err != nil {
				return fmt.Errorf("broadcasting %s: %w", msg.event, err)
			}
		case <-tokenCheck.C:
			fresh, err := w.creds.AccessToken(ctx)
			if err != nil {
				glog.Warningf("[Realtime] renewing access token: %v", err)
				continue
			}
			if fresh != token {
				token = fresh
				if err := stream.SetAuth(token); err != nil {
					return err
				}
			}
		case now := <-poll.C:
			if now.Sub(lastEmit) < w.opts.CoalesceWindow {
				continue
			}
			if w.flush() {
				lastEmit = now
			}
		}
	}
}

// flush hands the pending notifications to the dispatch loop.
func (w *Worker) flush() bool {
	w.mu.Lock()
	batch := w.pending
	w.pending.reset()
	w.mu.Unlock()
	if batch.IsEmpty() {
		return false
	}
	glog.V(1).Infof("[Realtime] delivering %d notifications", batch.Len())
	w.poster.Post(func() { w.onBatch(batch) })
	return true
}

func (w *Worker) handleChange(payload []byte) {
	change, ok, err := ParseChange(payload)
	if err != nil {
		glog.Warningf("[Realtime] %v", err)
		return
	}
	if !ok {
		return
	}
	glog.V(1).Infof("[Realtime] %s %s", change.Type, change.ID())
	w.mu.Lock()
	w.pending.add(change)
	w.mu.Unlock()
}

func (w *Worker) handleJoin(key string, metas []map[string]any) {
	if ids := presenceClientIDs(metas); len(ids) > 0 && w.presence != nil {
		w.poster.Post(func() { w.presence.Join(ids) })
	}
}

func (w *Worker) handleLeave(key string, metas []map[string]any) {
	if ids := presenceClientIDs(metas); len(ids) > 0 && w.presence != nil {
		w.poster.Post(func() { w.presence.Leave(ids) })
	}
}

func (w *Worker) handleBroadcast(event string, payload json.RawMessage) {
	if event != PositionEvent || w.presence == nil {
		return
	}
	var position map[string]any
	if err := json.Unmarshal(payload, &position); err != nil {
		glog.Warningf("[Realtime] bad position payload: %v", err)
		return
	}
	w.poster.Post(func() { w.presence.HandlePosition(position) })
}

func presenceClientIDs(metas []map[string]any) []string {
	var ids []string
	for _, meta := range metas {
		if id, ok := meta[presenceClientIDKey].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
