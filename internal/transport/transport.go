// Package transport provides the connection layer the relay talks through.
// This allows swapping the WebSocket server for a mock without changing the
// session logic.
package transport

import (
	"errors"
	"time"

	"github.com/LemmyAI/roomrelay/internal/protocol"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrSendBufferFull    = errors.New("send buffer full")
	ErrClosed            = errors.New("transport closed")
)

// Transport is the interface for client communication.
type Transport interface {
	// Send queues env for one connection without blocking.
	Send(connID string, env protocol.Envelope) error

	// Disconnect drops a connection. The disconnect handler runs later, from
	// the connection's own goroutine.
	Disconnect(connID string) error

	// Connections returns the ids of every live connection.
	Connections() []string

	// OnMessage registers a handler for decoded inbound envelopes.
	OnMessage(handler MessageHandler)

	// OnConnect registers a handler for new connections.
	OnConnect(handler ConnectHandler)

	// OnDisconnect registers a handler for disconnections.
	OnDisconnect(handler DisconnectHandler)

	// Close shuts down the transport.
	Close() error
}

// MessageHandler is called for every inbound envelope, in the order the
// connection sent them.
type MessageHandler func(connID string, env protocol.Envelope)

// ConnectHandler is called when a new client connects.
type ConnectHandler func(connID string)

// DisconnectHandler is called when a client disconnects.
type DisconnectHandler func(connID string)

// Config holds transport configuration.
type Config struct {
	MaxMessageSize  int64
	SendBufferSize  int
	ReadBufferSize  int
	WriteBufferSize int
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	AllowedOrigins  []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	pongWait := 60 * time.Second
	return Config{
		MaxMessageSize:  64 * 1024, // enough for SDP with many candidates
		SendBufferSize:  256,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		WriteWait:       10 * time.Second,
		PongWait:        pongWait,
		PingPeriod:      (pongWait * 9) / 10,
	}
}
