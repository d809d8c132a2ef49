package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markb/livesync/internal/log"
	"github.com/markb/livesync/internal/protocol"
)

const (
	// Send buffer size for outbound frames; also caps the offline queue
	sendBufferSize = 256

	// Time allowed to write a frame
	writeWait = 10 * time.Second

	// Time allowed to read the next message or pong
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Maximum inbound message size
	maxMessageSize = 512 * 1024 // 512KB
)

// Credentials locate and authenticate the change feed.
type Credentials struct {
	URL    string // ws:// or wss:// endpoint
	APIKey string // sent as the apikey query parameter
	Token  string // optional bearer token
}

// Transport is the single duplex connection to the change feed. It frames
// messages but does not interpret them.
type Transport interface {
	// Connect dials the feed. It returns *AuthError when the credentials are
	// rejected and *NetworkError for anything retryable.
	Connect(ctx context.Context, creds Credentials) error

	// Send is best-effort. Frames sent while disconnected are queued and
	// flushed by the next successful Connect.
	Send(f protocol.Frame)

	// OnFrame registers the callback for every inbound frame.
	OnFrame(fn func(protocol.Frame))

	// OnDisconnect registers the callback fired exactly once per lost
	// connection. It is not fired by Close.
	OnDisconnect(fn func(error))

	// Close tears down the current connection, if any, and discards queued
	// frames.
	Close() error
}

// WSTransport implements Transport over a gorilla/websocket connection.
type WSTransport struct {
	dialer *websocket.Dialer

	mu           sync.Mutex
	conn         *wsConn
	queue        [][]byte
	onFrame      func(protocol.Frame)
	onDisconnect func(error)
}

// wsConn is one physical connection and its pumps.
type wsConn struct {
	t         *WSTransport
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSTransport creates a transport using the default dialer.
func NewWSTransport() *WSTransport {
	return &WSTransport{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

// OnFrame implements Transport.
func (t *WSTransport) OnFrame(fn func(protocol.Frame)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFrame = fn
}

// OnDisconnect implements Transport.
func (t *WSTransport) OnDisconnect(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = fn
}

// Connect implements Transport.
func (t *WSTransport) Connect(ctx context.Context, creds Credentials) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return &NetworkError{Err: errors.New("already connected")}
	}
	t.mu.Unlock()

	target, err := dialURL(creds)
	if err != nil {
		return err
	}

	header := http.Header{}
	if creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}

	ws, resp, err := t.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &AuthError{Status: resp.StatusCode, Err: err}
		}
		return &NetworkError{Err: err}
	}

	c := &wsConn{
		t:    t,
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	// Flush under the lock so queued frames stay ahead of concurrent sends.
	t.mu.Lock()
	t.conn = c
	queued := t.queue
	t.queue = nil
	for _, data := range queued {
		c.enqueue(data)
	}
	t.mu.Unlock()

	go c.writePump()
	go c.readPump()

	log.Debug("realtime: transport connected", "url", creds.URL, "flushed", len(queued))
	return nil
}

// Send implements Transport.
func (t *WSTransport) Send(f protocol.Frame) {
	t.mu.Lock()
	c := t.conn
	if c == nil {
		if len(t.queue) >= sendBufferSize {
			log.Warn("realtime: offline queue full, dropping oldest frame")
			t.queue = t.queue[1:]
		}
		t.queue = append(t.queue, f.Data)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	c.enqueue(f.Data)
}

// Close implements Transport.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	c := t.conn
	t.queue = nil
	t.mu.Unlock()

	if c != nil {
		c.close(nil, true)
	}
	return nil
}

func (c *wsConn) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		log.Warn("realtime: send buffer full, dropping frame")
	}
}

// close ends the connection once and, unless quiet, reports the loss.
func (c *wsConn) close(cause error, quiet bool) {
	c.closeOnce.Do(func() {
		close(c.done)
		if quiet {
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		c.ws.Close()

		t := c.t
		t.mu.Lock()
		if t.conn == c {
			t.conn = nil
		}
		onDisconnect := t.onDisconnect
		t.mu.Unlock()

		if !quiet && onDisconnect != nil {
			if cause == nil {
				cause = errors.New("connection closed")
			}
			onDisconnect(&NetworkError{Err: cause})
		}
	})
}

// readPump reads frames until the connection fails.
func (c *wsConn) readPump() {
	var cause error
	defer func() { c.close(cause, false) }()

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
				log.Debug("realtime: read error", "error", err.Error())
			}
			cause = err
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		f, err := protocol.Decode(data)
		if err != nil {
			log.Debug("realtime: invalid frame", "error", err.Error(), "len", len(data))
			continue
		}

		c.t.mu.Lock()
		onFrame := c.t.onFrame
		c.t.mu.Unlock()
		if onFrame != nil {
			onFrame(f)
		}
	}
}

// writePump writes queued frames and keepalive pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close(err, false)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(err, false)
				return
			}

		case <-c.done:
			return
		}
	}
}

// dialURL appends the API key to the endpoint.
func dialURL(creds Credentials) (string, error) {
	u, err := url.Parse(creds.URL)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("feed url must be ws:// or wss://, got %q", creds.URL)
	}
	if creds.APIKey != "" {
		q := u.Query()
		q.Set("apikey", creds.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
