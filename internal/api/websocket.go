package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/layersync/backend/internal/engine"
	"github.com/layersync/backend/internal/models"
)

// WebSocket message types for the event stream
const (
	// Client -> Server messages
	MsgTypePing = "ping"

	// Server -> Client messages
	MsgTypeConnected = "connected"
	MsgTypeEvent     = "event"
	MsgTypePresence  = "presence"
	MsgTypePong      = "pong"
	MsgTypeError     = "error"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

// WebSocket message structure
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WebSocket error response
type WSErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type hubClient struct {
	conn *websocket.Conn
	send chan WSMessage
}

// EventHub fans engine events out to websocket clients. Publish never
// blocks: a client whose buffer is full misses the message.
type EventHub struct {
	upgrader       websocket.Upgrader
	maxMessageSize int64

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	closed  bool
}

// NewEventHub creates a hub. maxMessageSize bounds inbound client frames,
// zero means unbounded.
func NewEventHub(maxMessageSize int64) *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		maxMessageSize: maxMessageSize,
		clients:        make(map[*hubClient]struct{}),
	}
}

// HandleWebSocket upgrades the connection and streams events until the
// client goes away.
func (h *EventHub) HandleWebSocket(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	if h.maxMessageSize > 0 {
		ws.SetReadLimit(h.maxMessageSize)
	}

	client := &hubClient{conn: ws, send: make(chan WSMessage, clientBuffer)}
	if !h.add(client) {
		ws.Close()
		return nil
	}
	glog.V(1).Infof("[API] event stream client connected (%d)", h.ClientCount())

	h.enqueue(client, WSMessage{Type: MsgTypeConnected, Timestamp: time.Now().UnixMilli()})

	writerDone := make(chan struct{})
	go h.writeLoop(client, writerDone)

	for {
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				glog.Warningf("[API] event stream connection error: %v", err)
			}
			break
		}
		switch msg.Type {
		case MsgTypePing:
			h.enqueue(client, WSMessage{Type: MsgTypePong, ID: msg.ID, Timestamp: time.Now().UnixMilli()})
		default:
			h.enqueue(client, WSMessage{
				Type:      MsgTypeError,
				Timestamp: time.Now().UnixMilli(),
				Payload: mustJSON(WSErrorResponse{
					Type:    MsgTypeError,
					Message: "Unknown message type: " + msg.Type,
					Code:    "INVALID_TYPE",
				}),
			})
		}
	}

	h.remove(client)
	<-writerDone
	glog.V(1).Infof("[API] event stream client disconnected")
	return nil
}

func (h *EventHub) writeLoop(client *hubClient, done chan struct{}) {
	defer close(done)
	defer client.conn.Close()
	for msg := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := client.conn.WriteJSON(msg); err != nil {
			glog.V(1).Infof("[API] failed to send message: %v", err)
			return
		}
	}
	client.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (h *EventHub) add(client *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = struct{}{}
	return true
}

// remove drops client and closes its queue once.
func (h *EventHub) remove(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
}

func (h *EventHub) enqueue(client *hubClient, msg WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	select {
	case client.send <- msg:
	default:
		glog.V(1).Infof("[API] dropping %s message for slow client", msg.Type)
	}
}

func (h *EventHub) broadcast(msg WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			glog.V(1).Infof("[API] dropping %s message for slow client", msg.Type)
		}
	}
}

// Publish sends an engine event to every client.
func (h *EventHub) Publish(ev engine.Event) {
	h.broadcast(WSMessage{
		Type:      MsgTypeEvent,
		ID:        ev.LayerID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   mustJSON(ev),
	})
}

// PublishPresence sends the positions currently shown.
func (h *EventHub) PublishPresence(points []models.PresencePoint) {
	h.broadcast(WSMessage{
		Type:      MsgTypePresence,
		Timestamp: time.Now().UnixMilli(),
		Payload:   mustJSON(map[string]interface{}{"points": points}),
	})
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()
	for _, client := range clients {
		h.remove(client)
	}
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
