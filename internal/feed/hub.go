// Package feed relays engine notifications to websocket observers. Each
// connection chooses the streams it follows; sync lifecycle messages go to
// every connection.
package feed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"streamsync/pkg/logging"
	"streamsync/pkg/notify"
	"streamsync/pkg/streamid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256

	// AllStreams follows every stream.
	AllStreams = "*"
)

// Message is one notification as sent to observers.
type Message struct {
	Type      string         `json:"type"`
	StreamID  string         `json:"stream_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SubscriptionMessage is sent by observers to change what they follow.
type SubscriptionMessage struct {
	Action  string   `json:"action"`
	Streams []string `json:"streams"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans bus notifications out to connected observers.
type Hub struct {
	logger logging.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	subs    []*notify.Subscription
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	streams map[string]bool
	closed  bool
}

// NewHub subscribes to every notification kind on bus.
func NewHub(bus *notify.Bus, logger logging.Logger) *Hub {
	h := &Hub{
		logger:  logging.OrDiscard(logger),
		clients: make(map[*client]struct{}),
	}
	for k := notify.KindStreamInitialized; k <= notify.KindSyncFailed; k++ {
		h.subs = append(h.subs, bus.Subscribe(k, h.publish))
	}
	return h
}

// Close detaches from the bus and disconnects every observer.
func (h *Hub) Close() {
	for _, s := range h.subs {
		s.Close()
	}
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

// Clients counts connected observers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) publish(n notify.Notification) {
	msg := describe(n)
	msg.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal notification")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.follows(msg.StreamID) {
			continue
		}
		if !c.enqueue(payload) {
			h.logger.Warn("Observer too slow, dropping connection")
			go h.unregister(c)
		}
	}
}

func describe(n notify.Notification) Message {
	msg := Message{Type: n.Kind().String()}
	switch v := n.(type) {
	case notify.StreamInitialized:
		msg.StreamID = v.StreamID.String()
		msg.Data = map[string]any{"from_cache": v.FromCache, "event_count": v.EventCount, "miniblock_to": v.MiniblockTo}
	case notify.StreamUpToDate:
		msg.StreamID = v.StreamID.String()
	case notify.MiniblockHeaderApplied:
		msg.StreamID = v.StreamID.String()
		msg.Data = map[string]any{"miniblock_num": v.MiniblockNum, "event_ids": v.EventIDs}
	case notify.EventsAppended:
		msg.StreamID = v.StreamID.String()
		msg.Data = map[string]any{"event_ids": v.EventIDs}
	case notify.EventsPrepended:
		msg.StreamID = v.StreamID.String()
		msg.Data = map[string]any{"event_ids": v.EventIDs, "from_inclusive": v.FromInclusive, "terminus": v.Terminus}
	case notify.LocalEventReconciled:
		msg.StreamID = v.StreamID.String()
		msg.Data = map[string]any{"local_id": v.LocalID, "event_id": v.EventID}
	case notify.LocalEventFailed:
		msg.StreamID = v.StreamID.String()
		msg.Data = map[string]any{"local_id": v.LocalID, "error": errString(v.Err)}
	case notify.SyncStateChanged:
		msg.Data = map[string]any{"from": v.From, "to": v.To}
	case notify.SyncActive:
		msg.Data = map[string]any{"sync_id": v.SyncID}
	case notify.SyncFailed:
		msg.Data = map[string]any{"failures": v.Failures, "error": errString(v.Err)}
	}
	return msg
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ServeWS upgrades the request and starts relaying. Streams listed in the
// "streams" query parameter are followed from the start.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade WebSocket connection")
		return
	}
	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		streams: make(map[string]bool),
	}
	c.follow(r.URL.Query()["streams"])

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.WithField("client_count", n).Debug("Observer connected")

	go c.writePump()
	go c.readPump()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
		h.logger.WithField("client_count", n).Debug("Observer disconnected")
	}
}

// follows reports whether the client wants a message for streamID. Messages
// without a stream go to everyone.
func (c *client) follows(streamID string) bool {
	if streamID == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[AllStreams] || c.streams[streamID]
}

func (c *client) follow(ids []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var accepted []string
	for _, id := range ids {
		if id != AllStreams {
			parsed, err := streamid.Parse(id)
			if err != nil {
				continue
			}
			id = parsed.String()
		}
		c.streams[id] = true
		accepted = append(accepted, id)
	}
	return accepted
}

func (c *client) unfollow(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.streams, id)
	}
}

func (c *client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.WithError(err).Debug("WebSocket connection error")
			}
			return
		}
		var sub SubscriptionMessage
		if err := json.Unmarshal(raw, &sub); err != nil {
			c.hub.logger.WithError(err).Debug("Invalid subscription message")
			continue
		}
		c.handleSubscription(sub)
	}
}

func (c *client) handleSubscription(sub SubscriptionMessage) {
	var reply Message
	switch sub.Action {
	case "subscribe":
		accepted := c.follow(sub.Streams)
		reply = Message{Type: "subscription_confirmed", Data: map[string]any{"streams": accepted}}
	case "unsubscribe":
		c.unfollow(sub.Streams)
		reply = Message{Type: "unsubscription_confirmed", Data: map[string]any{"streams": sub.Streams}}
	default:
		reply = Message{Type: "error", Data: map[string]any{"error": "unknown action " + sub.Action}}
	}
	reply.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
