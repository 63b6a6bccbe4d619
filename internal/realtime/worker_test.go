package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/layersync/backend/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	stream *fakeStream
}

func (c *fakeChannel) SendBroadcast(ctx context.Context, event string, payload any) error {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	c.stream.sent = append(c.stream.sent, event)
	return nil
}

// fakeStream is an in-process Stream driven by the test.
type fakeStream struct {
	mu          sync.Mutex
	connectErr  error
	tokens      []string
	tables      []string
	channelName string
	onChange    func([]byte)
	handlers    ChannelHandlers
	sent        []string
	closed      bool
	done        chan struct{}
	err         error
	subscribed  chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{done: make(chan struct{}), subscribed: make(chan struct{})}
}

func (s *fakeStream) Connect(ctx context.Context) error { return s.connectErr }

func (s *fakeStream) SetAuth(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	return nil
}

func (s *fakeStream) SubscribeTableChanges(ctx context.Context, table string, onChange func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = append(s.tables, table)
	s.onChange = onChange
	return nil
}

func (s *fakeStream) SubscribePrivateChannel(ctx context.Context, name, presenceKey string, handlers ChannelHandlers) (BroadcastChannel, error) {
	s.mu.Lock()
	s.channelName = name
	s.handlers = handlers
	s.mu.Unlock()
	close(s.subscribed)
	return &fakeChannel{stream: s}, nil
}

func (s *fakeStream) Done() <-chan struct{} { return s.done }

func (s *fakeStream) Err() error { return s.err }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) fail(err error) {
	s.err = err
	close(s.done)
}

func (s *fakeStream) sentEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type staticCredentials struct{}

func (staticCredentials) AccessToken(ctx context.Context) (string, error) { return "token", nil }
func (staticCredentials) UserID() string                                  { return "user-1" }

type recordingPresence struct {
	mu        sync.Mutex
	joined    []string
	left      []string
	positions []map[string]any
}

func (p *recordingPresence) Join(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joined = append(p.joined, ids...)
}

func (p *recordingPresence) Leave(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left = append(p.left, ids...)
}

func (p *recordingPresence) HandlePosition(payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions = append(p.positions, payload)
}

type workerFixture struct {
	stream   *fakeStream
	presence *recordingPresence
	worker   *Worker
	mu       sync.Mutex
	batches  []Batch
}

func newWorkerFixture(t *testing.T) *workerFixture {
	f := &workerFixture{stream: newFakeStream(), presence: &recordingPresence{}}
	f.worker = NewWorker(func() Stream { return f.stream }, staticCredentials{}, dispatch.Immediate{}, func(b Batch) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.batches = append(f.batches, b)
	}, f.presence, WorkerOptions{CoalesceWindow: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond, StopTimeout: time.Second})
	t.Cleanup(func() { f.worker.Stop() })
	return f
}

func (f *workerFixture) delivered() []Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Batch(nil), f.batches...)
}

func (f *workerFixture) waitSubscribed(t *testing.T) {
	t.Helper()
	select {
	case <-f.stream.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not subscribe")
	}
}

func TestWorkerSubscribesAndRequestsPositions(t *testing.T) {
	f := newWorkerFixture(t)
	require.NoError(t, f.worker.Start(t.Context()))
	require.NoError(t, f.worker.Start(t.Context()))
	f.waitSubscribed(t)

	assert.True(t, f.worker.Running())
	assert.Eventually(t, func() bool {
		return len(f.stream.sentEvents()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{BroadcastRequestEvent}, f.stream.sentEvents())

	f.stream.mu.Lock()
	assert.Equal(t, []string{"points"}, f.stream.tables)
	assert.Equal(t, "jakartowns_positions_user-1", f.stream.channelName)
	assert.Equal(t, []string{"token"}, f.stream.tokens)
	f.stream.mu.Unlock()
}

func TestWorkerCoalescesNotifications(t *testing.T) {
	f := newWorkerFixture(t)
	require.NoError(t, f.worker.Start(t.Context()))
	f.waitSubscribed(t)

	f.stream.onChange([]byte(insertPayload))
	f.stream.onChange([]byte(`{"data": {"type": "UPDATE", "record": {"id": "f1", "layer_id": "l1", "geom": {"type": "Point", "coordinates": [0, 0]}}}}`))
	f.stream.onChange([]byte(`{"data": {"type": "DELETE", "old_record": {"id": "f2"}}}`))
	f.stream.onChange([]byte(`garbage`))

	assert.Eventually(t, func() bool { return len(f.delivered()) == 1 }, time.Second, 5*time.Millisecond)
	b := f.delivered()[0]
	assert.Len(t, b.Inserts, 1)
	assert.Len(t, b.Updates, 1)
	assert.Equal(t, []DeletedRecord{{ID: "f2"}}, b.Deletes)

	// Nothing pending, nothing delivered.
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, f.delivered(), 1)
}

func TestWorkerForwardsPresence(t *testing.T) {
	f := newWorkerFixture(t)
	require.NoError(t, f.worker.Start(t.Context()))
	f.waitSubscribed(t)

	h := f.stream.handlers
	h.OnJoin("k1", []map[string]any{{"presence_client_id": "c1"}, {"other": "x"}})
	h.OnBroadcast(PositionEvent, json.RawMessage(`{"presence_client_id": "c1", "x": 1, "y": 2, "srid": 4326}`))
	h.OnBroadcast("unrelated", json.RawMessage(`{}`))
	h.OnLeave("k1", []map[string]any{{"presence_client_id": "c1"}})

	f.presence.mu.Lock()
	defer f.presence.mu.Unlock()
	assert.Equal(t, []string{"c1"}, f.presence.joined)
	assert.Equal(t, []string{"c1"}, f.presence.left)
	require.Len(t, f.presence.positions, 1)
	assert.Equal(t, 2.0, f.presence.positions[0]["y"])
}

func TestWorkerStop(t *testing.T) {
	f := newWorkerFixture(t)
	require.NoError(t, f.worker.Start(t.Context()))
	f.waitSubscribed(t)
	finished := f.worker.Finished()

	require.NoError(t, f.worker.Stop())

	select {
	case <-finished:
	default:
		t.Fatal("finished not closed after Stop")
	}
	assert.False(t, f.worker.Running())
	f.stream.mu.Lock()
	assert.True(t, f.stream.closed)
	f.stream.mu.Unlock()
	assert.NoError(t, f.worker.Stop())
}

func TestWorkerReportsSessionFailure(t *testing.T) {
	f := newWorkerFixture(t)
	errs := make(chan error, 1)
	f.worker.OnError = func(err error) { errs <- err }
	require.NoError(t, f.worker.Start(t.Context()))
	f.waitSubscribed(t)

	boom := errors.New("socket closed")
	f.stream.fail(boom)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("failure not reported")
	}
	<-f.worker.Finished()
	assert.False(t, f.worker.Running())
}

func TestWorkerConnectFailure(t *testing.T) {
	f := newWorkerFixture(t)
	f.stream.connectErr = errors.New("refused")
	errs := make(chan error, 1)
	f.worker.OnError = func(err error) { errs <- err }

	require.NoError(t, f.worker.Start(t.Context()))
	select {
	case err := <-errs:
		assert.ErrorContains(t, err, "refused")
	case <-time.After(2 * time.Second):
		t.Fatal("failure not reported")
	}
}

func TestEnqueueBroadcastNeverBlocks(t *testing.T) {
	f := newWorkerFixture(t)
	for range 100 {
		f.worker.EnqueueBroadcast("e", nil)
	}
	assert.Len(t, f.worker.broadcasts, cap(f.worker.broadcasts))
}
