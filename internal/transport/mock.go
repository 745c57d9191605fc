package transport

import (
	"slices"
	"sync"

	"github.com/LemmyAI/roomrelay/internal/protocol"
)

// MockTransport is a mock implementation for testing.
type MockTransport struct {
	conns        map[string]struct{}
	sent         []MockMessage
	disconnected []string
	sendErrs     map[string]error
	closed       bool
	mu           sync.Mutex
	handlers     struct {
		message    MessageHandler
		connect    ConnectHandler
		disconnect DisconnectHandler
	}
}

// MockMessage records an envelope sent to one connection.
type MockMessage struct {
	ConnID   string
	Envelope protocol.Envelope
}

// NewMockTransport creates a new mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		conns:    make(map[string]struct{}),
		sendErrs: make(map[string]error),
	}
}

// Send records the envelope, or returns the error set with FailSends.
func (t *MockTransport) Send(connID string, env protocol.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if err, ok := t.sendErrs[connID]; ok {
		return err
	}
	if _, ok := t.conns[connID]; !ok {
		return ErrUnknownConnection
	}
	t.sent = append(t.sent, MockMessage{ConnID: connID, Envelope: env})
	return nil
}

// Disconnect records the request. Unlike the WebSocket transport it does not
// fire the disconnect handler; call SimulateDisconnect for that.
func (t *MockTransport) Disconnect(connID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[connID]; !ok {
		return ErrUnknownConnection
	}
	t.disconnected = append(t.disconnected, connID)
	return nil
}

// Connections returns the simulated live connections, sorted.
func (t *MockTransport) Connections() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close marks the mock closed.
func (t *MockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// OnMessage registers a handler.
func (t *MockTransport) OnMessage(handler MessageHandler) {
	t.handlers.message = handler
}

// OnConnect registers a handler.
func (t *MockTransport) OnConnect(handler ConnectHandler) {
	t.handlers.connect = handler
}

// OnDisconnect registers a handler.
func (t *MockTransport) OnDisconnect(handler DisconnectHandler) {
	t.handlers.disconnect = handler
}

// --- Test helpers ---

// SimulateConnect simulates a client connecting.
func (t *MockTransport) SimulateConnect(connID string) {
	t.mu.Lock()
	t.conns[connID] = struct{}{}
	t.mu.Unlock()

	if t.handlers.connect != nil {
		t.handlers.connect(connID)
	}
}

// SimulateMessage simulates receiving an envelope.
func (t *MockTransport) SimulateMessage(connID string, env protocol.Envelope) {
	if t.handlers.message != nil {
		t.handlers.message(connID, env)
	}
}

// SimulateFrame decodes a JSON frame and delivers it like the WebSocket
// transport would. Undecodable frames are returned as errors and not delivered.
func (t *MockTransport) SimulateFrame(connID string, frame []byte) error {
	env, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	t.SimulateMessage(connID, env)
	return nil
}

// SimulateDisconnect simulates a client disconnecting.
func (t *MockTransport) SimulateDisconnect(connID string) {
	t.mu.Lock()
	delete(t.conns, connID)
	t.mu.Unlock()

	if t.handlers.disconnect != nil {
		t.handlers.disconnect(connID)
	}
}

// FailSends makes every Send to connID return err.
func (t *MockTransport) FailSends(connID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErrs[connID] = err
}

// SentMessages returns all sent messages.
func (t *MockTransport) SentMessages() []MockMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]MockMessage{}, t.sent...)
}

// SentTo returns the envelopes sent to one connection, in order.
func (t *MockTransport) SentTo(connID string) []protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []protocol.Envelope
	for _, m := range t.sent {
		if m.ConnID == connID {
			out = append(out, m.Envelope)
		}
	}
	return out
}

// DisconnectRequests returns the ids passed to Disconnect.
func (t *MockTransport) DisconnectRequests() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.disconnected...)
}

// Clear clears all recorded messages.
func (t *MockTransport) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = t.sent[:0]
	t.disconnected = t.disconnected[:0]
}
