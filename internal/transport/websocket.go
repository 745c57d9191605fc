package transport

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/LemmyAI/roomrelay/internal/metrics"
	"github.com/LemmyAI/roomrelay/internal/protocol"
)

// WebSocket implements Transport over gorilla/websocket. It is an
// http.Handler; mount it on the upgrade route.
type WebSocket struct {
	config   Config
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	newID    func() string

	clients map[string]*client
	closed  bool
	mu      sync.RWMutex
	wg      sync.WaitGroup

	handlers struct {
		message    MessageHandler
		connect    ConnectHandler
		disconnect DisconnectHandler
	}
}

// client is one upgraded connection. send is never closed; done signals the
// write pump to stop.
type client struct {
	id        string
	conn      *websocket.Conn
	codec     protocol.Codec
	frameType int
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// NewWebSocket creates a WebSocket transport. m may be nil.
func NewWebSocket(config Config, log logrus.FieldLogger, m *metrics.Metrics) *WebSocket {
	t := &WebSocket{
		config:  config,
		log:     log.WithField("component", "transport"),
		metrics: m,
		newID:   uuid.NewString,
		clients: make(map[string]*client),
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
		Subprotocols:    protocol.Subprotocols(),
		CheckOrigin:     t.checkOrigin,
	}
	return t
}

// checkOrigin allows every origin when none are configured, and requests
// without an Origin header (non-browser clients).
func (t *WebSocket) checkOrigin(r *http.Request) bool {
	if len(t.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range t.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (t *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.WithError(err).WithField("remote_addr", r.RemoteAddr).Warn("Failed to upgrade connection")
		return
	}

	codec, err := protocol.CodecFor(conn.Subprotocol())
	if err != nil {
		t.log.WithError(err).Warn("Negotiated unsupported subprotocol")
		conn.Close()
		return
	}

	c := &client{
		id:        t.newID(),
		conn:      conn,
		codec:     codec,
		frameType: websocket.TextMessage,
		send:      make(chan []byte, t.config.SendBufferSize),
		done:      make(chan struct{}),
	}
	if codec.Binary() {
		c.frameType = websocket.BinaryMessage
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.clients[c.id] = c
	t.wg.Add(1)
	connect := t.handlers.connect
	t.mu.Unlock()
	defer t.wg.Done()

	t.metrics.ConnectionOpened()
	t.log.WithFields(logrus.Fields{
		"conn_id":     c.id,
		"remote_addr": r.RemoteAddr,
		"codec":       codec.Name(),
	}).Info("✅ Client connected")

	go t.writePump(c)

	if connect != nil {
		connect(c.id)
	}
	t.readPump(c)
}

// readPump decodes frames and hands them to the message handler. It is the
// only reader of the connection, so envelopes are dispatched in the order the
// client sent them.
func (t *WebSocket) readPump(c *client) {
	log := t.log.WithField("conn_id", c.id)
	defer t.remove(c)

	c.conn.SetReadLimit(t.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(t.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(t.config.PongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithError(err).Warn("WebSocket read error")
			} else {
				log.WithError(err).Debug("WebSocket closed")
			}
			return
		}

		env, err := c.codec.Decode(frame)
		if err != nil {
			t.metrics.Drop(metrics.DropReasonMalformed)
			log.WithError(err).Debug("Ignoring undecodable frame")
			continue
		}

		t.mu.RLock()
		handler := t.handlers.message
		t.mu.RUnlock()
		if handler != nil {
			handler(c.id, env)
		}
	}
}

// writePump is the only writer of the connection.
func (t *WebSocket) writePump(c *client) {
	ticker := time.NewTicker(t.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(t.config.WriteWait))
			if err := c.conn.WriteMessage(c.frameType, frame); err != nil {
				t.log.WithError(err).WithField("conn_id", c.id).Debug("Failed to write frame")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(t.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(t.config.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// remove forgets the client and runs the disconnect handler exactly once.
func (t *WebSocket) remove(c *client) {
	c.shutdown()
	c.conn.Close()

	t.mu.Lock()
	if t.clients[c.id] == c {
		delete(t.clients, c.id)
	}
	disconnect := t.handlers.disconnect
	t.mu.Unlock()

	t.metrics.ConnectionClosed()
	t.log.WithField("conn_id", c.id).Info("❎ Client disconnected")

	if disconnect != nil {
		disconnect(c.id)
	}
}

// Send encodes env with the connection's codec and queues it.
func (t *WebSocket) Send(connID string, env protocol.Envelope) error {
	t.mu.RLock()
	c, ok := t.clients[connID]
	t.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}

	frame, err := c.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Event, err)
	}

	select {
	case <-c.done:
		return ErrUnknownConnection
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Disconnect closes the connection; the read pump then reports it.
func (t *WebSocket) Disconnect(connID string) error {
	t.mu.RLock()
	c, ok := t.clients[connID]
	t.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	c.shutdown()
	// Unblock the reader in case the write pump is stuck.
	_ = c.conn.SetReadDeadline(time.Now())
	return nil
}

// Connections returns the ids of every live connection, sorted.
func (t *WebSocket) Connections() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.clients))
	for id := range t.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// OnMessage registers a handler.
func (t *WebSocket) OnMessage(handler MessageHandler) {
	t.mu.Lock()
	t.handlers.message = handler
	t.mu.Unlock()
}

// OnConnect registers a handler.
func (t *WebSocket) OnConnect(handler ConnectHandler) {
	t.mu.Lock()
	t.handlers.connect = handler
	t.mu.Unlock()
}

// OnDisconnect registers a handler.
func (t *WebSocket) OnDisconnect(handler DisconnectHandler) {
	t.mu.Lock()
	t.handlers.disconnect = handler
	t.mu.Unlock()
}

// Close disconnects every client and waits for their read pumps to finish.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	clients := make([]*client, 0, len(t.clients))
	for _, c := range t.clients {
		clients = append(clients, c)
	}
	t.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
		_ = c.conn.SetReadDeadline(time.Now())
	}
	t.wg.Wait()
	return nil
}
