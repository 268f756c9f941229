package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient is one connected WebSocket client.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	mu            sync.RWMutex

	// Identity from the WebSocket ticket.
	holder string
	admin  bool
}

// wsRequest is an inbound client frame. The payload is decoded per type.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newWSClient(hub *Hub, conn *websocket.Conn, holder string, admin bool) *WSClient {
	return &WSClient{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
		holder:        holder,
		admin:         admin,
	}
}

func (c *WSClient) pingInterval() time.Duration {
	return time.Duration(c.hub.cfg.PingInterval) * time.Second
}

func (c *WSClient) pongWait() time.Duration {
	return time.Duration(c.hub.cfg.PongTimeout) * time.Second
}

// extendReadDeadline gives the client another ping cycle to show signs of life.
func (c *WSClient) extendReadDeadline() error {
	return c.conn.SetReadDeadline(time.Now().Add(c.pingInterval() + c.pongWait()))
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(c.hub.cfg.MaxMessageSize))
	//nolint:errcheck // a failed deadline surfaces as a read error
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error { return c.extendReadDeadline() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "holder", c.holder, "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "holder", c.holder, "error", err)
			}
			return
		}
		// Application frames count as liveness too.
		//nolint:errcheck // a failed deadline surfaces as a read error
		c.extendReadDeadline()
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(c.pingInterval())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		//nolint:errcheck // a failed deadline surfaces as a write error
		c.conn.SetWriteDeadline(time.Now().Add(c.pongWait()))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				//nolint:errcheck // the connection is going away regardless
				write(websocket.CloseMessage, nil)
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.handleSubscription(req)
	case WSTypePing:
		c.sendResponse(req.ID, WSTypePong, nil)
	default:
		c.sendError(req.ID, "unknown message type: "+req.Type)
	}
}

// handleSubscription applies a subscribe or unsubscribe request. Unknown
// channels are reported back under "rejected"; a request with nothing
// valid in it is an error.
func (c *WSClient) handleSubscription(req wsRequest) {
	var sub WSSubscribePayload
	if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &sub) != nil {
		c.sendError(req.ID, "invalid "+req.Type+" payload")
		return
	}

	subscribe := req.Type == WSTypeSubscribe
	applied := make([]string, 0, len(sub.Channels))
	rejected := make(map[string]string)

	c.mu.Lock()
	for _, raw := range sub.Channels {
		ch, err := parseChannel(raw)
		if err != nil {
			rejected[raw] = err.Error()
			continue
		}
		if !subscribe {
			delete(c.subscriptions, ch)
			applied = append(applied, ch)
			continue
		}
		if _, dup := c.subscriptions[ch]; !dup && len(c.subscriptions) >= maxSubscriptions {
			rejected[raw] = "subscription limit reached"
			continue
		}
		c.subscriptions[ch] = struct{}{}
		applied = append(applied, ch)
	}
	c.mu.Unlock()

	if len(applied) == 0 {
		c.sendResponse(req.ID, WSTypeError, map[string]any{
			"message":  "no valid channels",
			"rejected": rejected,
		})
		return
	}

	key := "unsubscribed"
	if subscribe {
		key = "subscribed"
		c.hub.logger.Debug("websocket client subscribed", "holder", c.holder, "channels", applied)
	}
	resp := map[string]any{key: applied}
	if len(rejected) > 0 {
		resp["rejected"] = rejected
	}
	c.sendResponse(req.ID, WSTypeResponse, resp)
}

// trySend queues data without blocking. A full buffer drops the frame and
// a send racing Unregister is absorbed.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // send on a channel closed by Unregister
	}()

	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) subscribedToAny(channels []string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range channels {
		if _, ok := c.subscriptions[ch]; ok {
			return true
		}
	}
	return false
}

func (c *WSClient) sendResponse(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
