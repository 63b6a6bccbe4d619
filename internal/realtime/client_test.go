package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// phoenixServer accepts joins and records every frame it receives.
type phoenixServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	query    chan string
	received chan Message
	conn     chan *websocket.Conn
	refuse   string
}

func newPhoenixServer(t *testing.T) (*phoenixServer, *httptest.Server) {
	s := &phoenixServer{
		t:        t,
		query:    make(chan string, 1),
		received: make(chan Message, 64),
		conn:     make(chan *websocket.Conn, 1),
	}
	srv := httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *phoenixServer) serve(w http.ResponseWriter, r *http.Request) {
	s.query <- r.URL.RawQuery
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.conn <- conn
	var writeMu sync.Mutex
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.received <- msg
		if msg.Event == eventJoin {
			status := "ok"
			if msg.Topic == s.refuse {
				status = "error"
			}
			reply, _ := json.Marshal(map[string]any{"status": status, "response": map[string]any{}})
			writeMu.Lock()
			conn.WriteJSON(Message{Topic: msg.Topic, Event: eventReply, Payload: reply, Ref: msg.Ref})
			writeMu.Unlock()
		}
	}
}

func (s *phoenixServer) next(t *testing.T, event string) Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-s.received:
			if msg.Event == event {
				return msg
			}
		case <-timeout:
			t.Fatalf("no %s received", event)
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime/v1"
}

func TestClientJoinAndReceive(t *testing.T) {
	server, srv := newPhoenixServer(t)
	client := NewClient(wsURL(srv), "anon", ClientOptions{HeartbeatInterval: 20 * time.Millisecond})
	require.NoError(t, client.Connect(t.Context()))
	defer client.Close()

	query := <-server.query
	assert.Contains(t, query, "apikey=anon")
	assert.Contains(t, query, "vsn=1.0.0")

	require.NoError(t, client.SetAuth("token-1"))
	changes := make(chan []byte, 1)
	require.NoError(t, client.SubscribeTableChanges(t.Context(), "points", func(p []byte) { changes <- p }))

	join := server.next(t, eventJoin)
	assert.Equal(t, "realtime:points", join.Topic)
	var joinPayload struct {
		AccessToken string `json:"access_token"`
		Config      struct {
			PostgresChanges []map[string]string `json:"postgres_changes"`
			Private         bool                `json:"private"`
		} `json:"config"`
	}
	require.NoError(t, json.Unmarshal(join.Payload, &joinPayload))
	assert.Equal(t, "token-1", joinPayload.AccessToken)
	assert.Equal(t, "points", joinPayload.Config.PostgresChanges[0]["table"])
	assert.Equal(t, "*", joinPayload.Config.PostgresChanges[0]["event"])
	assert.False(t, joinPayload.Config.Private)

	conn := <-server.conn
	require.NoError(t, conn.WriteJSON(Message{Topic: "realtime:points", Event: eventChanges, Payload: json.RawMessage(insertPayload)}))
	select {
	case p := <-changes:
		change, ok, err := ParseChange(p)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "f1", change.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("change not delivered")
	}

	server.next(t, eventHeartbeat)
}

func TestClientPrivateChannel(t *testing.T) {
	server, srv := newPhoenixServer(t)
	client := NewClient(wsURL(srv), "anon", ClientOptions{})
	require.NoError(t, client.Connect(t.Context()))
	defer client.Close()

	var mu sync.Mutex
	var joined, left []string
	positions := make(chan json.RawMessage, 1)
	channel, err := client.SubscribePrivateChannel(t.Context(), PositionsChannel("u1"), "key-1", ChannelHandlers{
		OnJoin: func(key string, metas []map[string]any) {
			mu.Lock()
			defer mu.Unlock()
			joined = append(joined, presenceClientIDs(metas)...)
		},
		OnLeave: func(key string, metas []map[string]any) {
			mu.Lock()
			defer mu.Unlock()
			left = append(left, presenceClientIDs(metas)...)
		},
		OnBroadcast: func(event string, payload json.RawMessage) {
			if event == PositionEvent {
				positions <- payload
			}
		},
	})
	require.NoError(t, err)

	join := server.next(t, eventJoin)
	assert.Equal(t, "realtime:jakartowns_positions_u1", join.Topic)
	assert.Contains(t, string(join.Payload), `"key":"key-1"`)
	assert.Contains(t, string(join.Payload), `"private":true`)

	require.NoError(t, channel.SendBroadcast(t.Context(), BroadcastRequestEvent, map[string]any{}))
	sent := server.next(t, eventBroadcast)
	var b broadcastPayload
	require.NoError(t, json.Unmarshal(sent.Payload, &b))
	assert.Equal(t, BroadcastRequestEvent, b.Event)
	assert.Equal(t, "broadcast", b.Type)

	conn := <-server.conn
	topic := "realtime:jakartowns_positions_u1"
	conn.WriteJSON(Message{Topic: topic, Event: eventPresence, Payload: json.RawMessage(`{"k1": {"metas": [{"presence_client_id": "c1"}]}}`)})
	conn.WriteJSON(Message{Topic: topic, Event: eventPresenceDif, Payload: json.RawMessage(`{"joins": {}, "leaves": {"k1": {"metas": [{"presence_client_id": "c1"}]}}}`)})
	conn.WriteJSON(Message{Topic: topic, Event: eventBroadcast, Payload: json.RawMessage(`{"type": "broadcast", "event": "jakartowns_position", "payload": {"x": 1}}`)})

	select {
	case p := <-positions:
		assert.JSONEq(t, `{"x": 1}`, string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("position not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1"}, joined)
	assert.Equal(t, []string{"c1"}, left)
}

func TestClientJoinRefused(t *testing.T) {
	server, srv := newPhoenixServer(t)
	server.refuse = "realtime:points"
	client := NewClient(wsURL(srv), "anon", ClientOptions{})
	require.NoError(t, client.Connect(t.Context()))
	defer client.Close()

	err := client.SubscribeTableChanges(t.Context(), "points", func([]byte) {})
	assert.ErrorContains(t, err, "refused")
}

func TestClientDoneOnServerClose(t *testing.T) {
	server, srv := newPhoenixServer(t)
	client := NewClient(wsURL(srv), "anon", ClientOptions{})
	require.NoError(t, client.Connect(t.Context()))

	conn := <-server.conn
	conn.Close()

	select {
	case <-client.Done():
		assert.Error(t, client.Err())
		assert.NotErrorIs(t, client.Err(), ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the closed socket")
	}
}

func TestClientClose(t *testing.T) {
	_, srv := newPhoenixServer(t)
	client := NewClient(wsURL(srv), "anon", ClientOptions{})
	require.NoError(t, client.Connect(t.Context()))

	client.Close()
	<-client.Done()
	assert.ErrorIs(t, client.Err(), ErrClosed)
}

func TestClientNotConnected(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1", "anon", ClientOptions{})
	assert.ErrorIs(t, client.SubscribeTableChanges(t.Context(), "points", nil), ErrNotConnected)
}
