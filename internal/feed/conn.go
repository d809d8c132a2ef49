package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/markb/livesync/internal/filter"
	"github.com/markb/livesync/internal/log"
	"github.com/markb/livesync/internal/metrics"
	"github.com/markb/livesync/internal/protocol"
)

const (
	// Send buffer size for outbound messages
	sendBufferSize = 256

	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Maximum message size
	maxMessageSize = 512 * 1024 // 512KB

	// Time allowed for a replay query
	queryTimeout = 10 * time.Second
)

// Conn represents a WebSocket connection
type Conn struct {
	id        string
	role      string
	ws        *websocket.Conn
	hub       *Hub
	metrics   *metrics.Metrics
	mu        sync.Mutex
	channels  map[protocol.ChannelKey]struct{}
	send      chan []byte   // outbound message queue
	done      chan struct{} // closed when connection ends
	closeOnce sync.Once
}

// NewConn creates a new connection
func (h *Hub) NewConn(ws *websocket.Conn, role string) *Conn {
	conn := &Conn{
		id:       uuid.New().String(),
		role:     role,
		ws:       ws,
		hub:      h,
		metrics:  h.metrics,
		channels: make(map[protocol.ChannelKey]struct{}),
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
	h.registerConn(conn)
	return conn
}

// ID returns the connection ID
func (c *Conn) ID() string {
	return c.id
}

// Send queues a frame for sending. A subscriber that cannot keep up is
// disconnected; it resumes from its cursor on reconnect.
func (c *Conn) Send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("feed: encode frame", "conn_id", c.id, "error", err.Error())
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
		c.metrics.FrameRelayed(frameType(v))
	case <-c.done:
	default:
		log.Warn("feed: send buffer full, closing slow connection", "conn_id", c.id)
		c.Close()
	}
}

// Close closes the connection
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
		if c.hub != nil {
			c.hub.unregisterConn(c)
		}
	})
}

// ReadPump reads messages from the WebSocket connection
func (c *Conn) ReadPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("feed: read error", "conn_id", c.id, "error", err.Error())
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		f, err := protocol.Decode(data)
		if err != nil {
			log.Debug("feed: invalid frame", "conn_id", c.id, "error", err.Error(), "len", len(data))
			continue
		}

		c.handleFrame(f)
	}
}

// WritePump writes messages to the WebSocket connection
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleFrame routes incoming frames to the appropriate handler
func (c *Conn) handleFrame(f protocol.Frame) {
	log.Debug("feed: frame", "conn_id", c.id, "type", f.Type, "ref", f.Ref)

	switch f.Type {
	case protocol.TypeHeartbeat:
		c.Send(protocol.NewReply(f.Ref, ""))
	case protocol.TypeSubscribe:
		c.handleSubscribe(f)
	case protocol.TypeUnsubscribe:
		c.handleUnsubscribe(f)
	case protocol.TypePresence:
		c.handlePresence(f)
	default:
		log.Debug("feed: unknown frame type", "conn_id", c.id, "type", f.Type)
	}
}

func (c *Conn) handleSubscribe(f protocol.Frame) {
	ctrl, err := f.Control()
	if err != nil {
		c.Send(protocol.NewReply(f.Ref, err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if err := c.hub.subscribe(ctx, c, ctrl); err != nil {
		msg := "subscribe failed"
		switch {
		case errors.Is(err, filter.ErrInvalid), errors.Is(err, ErrInvalidCursor):
			msg = err.Error()
		default:
			log.Error("feed: subscribe failed", "conn_id", c.id, "channel", ctrl.Key().String(), "error", err.Error())
		}
		c.Send(protocol.NewReply(ctrl.Ref, msg))
	}
}

func (c *Conn) handleUnsubscribe(f protocol.Frame) {
	ctrl, err := f.Control()
	if err != nil {
		c.Send(protocol.NewReply(f.Ref, err.Error()))
		return
	}
	key := ctrl.Key()
	if pred, err := filter.Parse(ctrl.Filter); err == nil {
		key.Filter = pred.String()
	}
	if err := c.hub.unsubscribe(c, key); err != nil {
		c.Send(protocol.NewReply(ctrl.Ref, err.Error()))
		return
	}
	c.Send(protocol.NewReply(ctrl.Ref, ""))
}

func (c *Conn) handlePresence(f protocol.Frame) {
	p, err := f.Presence()
	if err != nil {
		log.Debug("feed: invalid presence frame", "conn_id", c.id, "error", err.Error())
		return
	}
	c.hub.presence(c, p)
}

// track records a channel subscription on the connection.
func (c *Conn) track(key protocol.ChannelKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[key] = struct{}{}
}

// untrack forgets a channel subscription. It reports whether one existed.
func (c *Conn) untrack(key protocol.ChannelKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[key]; !ok {
		return false
	}
	delete(c.channels, key)
	return true
}

func frameType(v any) string {
	switch v.(type) {
	case *protocol.Event:
		return protocol.TypeChange
	case *protocol.PresenceFrame:
		return protocol.TypePresence
	case *protocol.Reply:
		return protocol.TypeReply
	}
	return "other"
}
