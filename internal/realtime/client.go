package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected = errors.New("realtime client is not connected")
	ErrClosed       = errors.New("realtime client closed")
)

// ChannelHandlers receive the events of a private channel. They run on the
// client's read goroutine.
type ChannelHandlers struct {
	OnJoin      func(key string, metas []map[string]any)
	OnLeave     func(key string, metas []map[string]any)
	OnBroadcast func(event string, payload json.RawMessage)
}

// BroadcastChannel sends broadcast events to the other channel members.
type BroadcastChannel interface {
	SendBroadcast(ctx context.Context, event string, payload any) error
}

// Stream is a change-feed session.
type Stream interface {
	Connect(ctx context.Context) error
	SetAuth(token string) error
	SubscribeTableChanges(ctx context.Context, table string, onChange func(payload []byte)) error
	SubscribePrivateChannel(ctx context.Context, name, presenceKey string, handlers ChannelHandlers) (BroadcastChannel, error)
	// Done is closed when the session ends, Err tells why.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// ClientOptions configure a Client.
type ClientOptions struct {
	HeartbeatInterval time.Duration
	ReplyTimeout      time.Duration
	WriteTimeout      time.Duration
	Dialer            *websocket.Dialer
}

func (o *ClientOptions) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

type channel struct {
	client   *Client
	topic    string
	joinRef  string
	onChange func(payload []byte)
	handlers ChannelHandlers
}

// Client speaks the Phoenix channel protocol of the realtime server over a
// websocket.
type Client struct {
	endpoint string
	apiKey   string
	opts     ClientOptions

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	ref      int
	token    string
	channels map[string]*channel
	pending  map[string]chan replyPayload
	closed   bool

	done    chan struct{}
	err     error
	endOnce sync.Once
}

// NewClient creates a client for the realtime endpoint, e.g.
// ws://localhost:8000/realtime/v1.
func NewClient(endpoint, apiKey string, opts ClientOptions) *Client {
	opts.defaults()
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		opts:     opts,
		channels: make(map[string]*channel),
		pending:  make(map[string]chan replyPayload),
		done:     make(chan struct{}),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.endpoint + "/websocket")
	if err != nil {
		return fmt.Errorf("parsing realtime url: %w", err)
	}
	q := u.Query()
	q.Set("apikey", c.apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	conn, _, err := c.opts.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.endpoint, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.token = c.apiKey
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.heartbeatLoop()
	glog.Infof("[Realtime] connected to %s", c.endpoint)
	return nil
}

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close ends the session. The read loop exits with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.closed = true
	c.mu.Unlock()
	if conn == nil {
		c.end(ErrClosed)
		return nil
	}
	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := conn.Close()
	c.end(ErrClosed)
	return err
}

func (c *Client) end(err error) {
	c.endOnce.Do(func() {
		c.err = err
		close(c.done)
		c.mu.Lock()
		for ref, ch := range c.pending {
			close(ch)
			delete(c.pending, ref)
		}
		c.mu.Unlock()
	})
}

// SetAuth sets the access token sent with joins and pushes it to the
// channels already joined.
func (c *Client) SetAuth(token string) error {
	c.mu.Lock()
	c.token = token
	channels := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		payload, _ := json.Marshal(map[string]string{"access_token": token})
		if err := c.send(Message{Topic: ch.topic, Event: eventAccessToken, Payload: payload, Ref: c.nextRef(), JoinRef: ch.joinRef}); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeTableChanges joins a channel receiving every change of table in
// the public schema.
func (c *Client) SubscribeTableChanges(ctx context.Context, table string, onChange func(payload []byte)) error {
	config := map[string]any{
		"broadcast": map[string]any{"ack": false, "self": false},
		"presence":  map[string]any{"key": ""},
		"postgres_changes": []map[string]any{
			{"event": "*", "schema": "public", "table": table},
		},
		"private": false,
	}
	_, err := c.join(ctx, &channel{client: c, topic: topicPrefix + table, onChange: onChange}, config)
	return err
}

// SubscribePrivateChannel joins a private broadcast and presence channel.
func (c *Client) SubscribePrivateChannel(ctx context.Context, name, presenceKey string, handlers ChannelHandlers) (BroadcastChannel, error) {
	config := map[string]any{
		"broadcast": map[string]any{"ack": false, "self": false},
		"presence":  map[string]any{"key": presenceKey},
		"private":   true,
	}
	ch, err := c.join(ctx, &channel{client: c, topic: topicPrefix + name, handlers: handlers}, config)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Client) join(ctx context.Context, ch *channel, config map[string]any) (*channel, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	token := c.token
	ch.joinRef = c.nextRefLocked()
	c.channels[ch.topic] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(map[string]any{"config": config, "access_token": token})
	if err != nil {
		return nil, err
	}
	reply, err := c.request(ctx, Message{Topic: ch.topic, Event: eventJoin, Payload: payload, Ref: ch.joinRef, JoinRef: ch.joinRef})
	if err == nil && reply.Status != "ok" {
		err = fmt.Errorf("join %s refused: %s", ch.topic, string(reply.Response))
	}
	if err != nil {
		c.mu.Lock()
		delete(c.channels, ch.topic)
		c.mu.Unlock()
		return nil, err
	}
	glog.Infof("[Realtime] joined %s", ch.topic)
	return ch, nil
}

// SendBroadcast sends an event to the other members of the channel. Sends
// are not acknowledged.
func (ch *channel) SendBroadcast(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(broadcastPayload{Type: eventBroadcast, Event: event, Payload: data})
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ch.client.send(Message{Topic: ch.topic, Event: eventBroadcast, Payload: body, Ref: ch.client.nextRef(), JoinRef: ch.joinRef})
}

func (c *Client) nextRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextRefLocked()
}

func (c *Client) nextRefLocked() string {
	c.ref++
	return strconv.Itoa(c.ref)
}

func (c *Client) send(msg Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if len(msg.Payload) == 0 {
		msg.Payload = json.RawMessage("{}")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("sending %s on %s: %w", msg.Event, msg.Topic, err)
	}
	return nil
}

// request sends msg and waits for the matching reply.
func (c *Client) request(ctx context.Context, msg Message) (replyPayload, error) {
	wait := make(chan replyPayload, 1)
	c.mu.Lock()
	c.pending[msg.Ref] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.Ref)
		c.mu.Unlock()
	}()

	if err := c.send(msg); err != nil {
		return replyPayload{}, err
	}
	timer := time.NewTimer(c.opts.ReplyTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-wait:
		if !ok {
			return replyPayload{}, ErrClosed
		}
		return reply, nil
	case <-ctx.Done():
		return replyPayload{}, ctx.Err()
	case <-timer.C:
		return replyPayload{}, fmt.Errorf("no reply to %s on %s", msg.Event, msg.Topic)
	case <-c.done:
		return replyPayload{}, c.Err()
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(Message{Topic: topicPhoenix, Event: eventHeartbeat, Ref: c.nextRef()}); err != nil {
				glog.Warningf("[Realtime] heartbeat: %v", err)
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				c.end(ErrClosed)
			} else {
				c.end(fmt.Errorf("reading realtime socket: %w", err))
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			glog.Warningf("[Realtime] skipping undecodable frame: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	if msg.Event == eventReply {
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			glog.Warningf("[Realtime] bad reply on %s: %v", msg.Topic, err)
			return
		}
		c.mu.Lock()
		wait, ok := c.pending[msg.Ref]
		delete(c.pending, msg.Ref)
		c.mu.Unlock()
		if ok {
			wait <- reply
		}
		return
	}

	c.mu.Lock()
	ch, ok := c.channels[msg.Topic]
	c.mu.Unlock()
	if !ok {
		glog.V(1).Infof("[Realtime] %s on unknown topic %s", msg.Event, msg.Topic)
		return
	}

	switch msg.Event {
	case eventChanges:
		if ch.onChange != nil {
			ch.onChange(msg.Payload)
		}
	case eventBroadcast:
		var b broadcastPayload
		if err := json.Unmarshal(msg.Payload, &b); err != nil {
			glog.Warningf("[Realtime] bad broadcast on %s: %v", msg.Topic, err)
			return
		}
		if ch.handlers.OnBroadcast != nil {
			ch.handlers.OnBroadcast(b.Event, b.Payload)
		}
	case eventPresence:
		var state map[string]presenceEntry
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			glog.Warningf("[Realtime] bad presence state on %s: %v", msg.Topic, err)
			return
		}
		for key, entry := range state {
			if ch.handlers.OnJoin != nil {
				ch.handlers.OnJoin(key, entry.Metas)
			}
		}
	case eventPresenceDif:
		var diff presenceDiff
		if err := json.Unmarshal(msg.Payload, &diff); err != nil {
			glog.Warningf("[Realtime] bad presence diff on %s: %v", msg.Topic, err)
			return
		}
		for key, entry := range diff.Joins {
			if ch.handlers.OnJoin != nil {
				ch.handlers.OnJoin(key, entry.Metas)
			}
		}
		for key, entry := range diff.Leaves {
			if ch.handlers.OnLeave != nil {
				ch.handlers.OnLeave(key, entry.Metas)
			}
		}
	case eventError, eventClose:
		glog.Warningf("[Realtime] %s on %s: %s", msg.Event, msg.Topic, string(msg.Payload))
	case eventSystem:
		glog.V(1).Infof("[Realtime] system message on %s: %s", msg.Topic, string(msg.Payload))
	}
}

var _ Stream = (*Client)(nil)
