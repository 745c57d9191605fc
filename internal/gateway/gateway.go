// Package gateway connects the transport to the session coordinator and the
// signaling relay through an explicit event dispatch table.
package gateway

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/LemmyAI/roomrelay/internal/metrics"
	"github.com/LemmyAI/roomrelay/internal/protocol"
	"github.com/LemmyAI/roomrelay/internal/room"
	"github.com/LemmyAI/roomrelay/internal/session"
	"github.com/LemmyAI/roomrelay/internal/signaling"
	"github.com/LemmyAI/roomrelay/internal/transport"
)

// Config for inbound limits.
type Config struct {
	// EventsPerSecond of 0 disables rate limiting.
	EventsPerSecond float64
	EventBurst      int
}

type handlerFunc func(connID string, data json.RawMessage) error

// Gateway dispatches inbound envelopes by event name.
type Gateway struct {
	transport transport.Transport
	coord     *session.Coordinator
	relay     *signaling.Relay
	config    Config
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	handlers  map[string]handlerFunc

	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

// New creates a gateway. Call Attach to start receiving transport events.
func New(t transport.Transport, coord *session.Coordinator, relay *signaling.Relay, config Config, log logrus.FieldLogger, m *metrics.Metrics) *Gateway {
	g := &Gateway{
		transport: t,
		coord:     coord,
		relay:     relay,
		config:    config,
		log:       log.WithField("component", "gateway"),
		metrics:   m,
		limiters:  make(map[string]*rate.Limiter),
	}
	g.handlers = map[string]handlerFunc{
		protocol.EventJoinRoom:     g.handleJoinRoom,
		protocol.EventSendRoom:     g.handleSendRoom,
		protocol.EventGetRooms:     g.handleGetRooms,
		protocol.EventLeaveRoom:    g.handleLeaveRoom,
		protocol.EventCloseRoom:    g.handleCloseRoom,
		protocol.EventOffer:        g.signalHandler(protocol.EventOffer),
		protocol.EventAnswer:       g.signalHandler(protocol.EventAnswer),
		protocol.EventIceCandidate: g.signalHandler(protocol.EventIceCandidate),
	}
	return g
}

// Attach registers the gateway's lifecycle and message hooks on the transport.
func (g *Gateway) Attach() {
	g.transport.OnConnect(g.Connect)
	g.transport.OnMessage(g.Dispatch)
	g.transport.OnDisconnect(g.Disconnect)
}

// Connect registers a new connection.
func (g *Gateway) Connect(connID string) {
	if g.config.EventsPerSecond > 0 {
		g.mu.Lock()
		g.limiters[connID] = rate.NewLimiter(rate.Limit(g.config.EventsPerSecond), g.config.EventBurst)
		g.mu.Unlock()
	}
	g.coord.Connect(connID)
}

// Disconnect runs the disconnect workflow for connID.
func (g *Gateway) Disconnect(connID string) {
	g.mu.Lock()
	delete(g.limiters, connID)
	g.mu.Unlock()

	g.coord.Disconnect(connID)
}

// Dispatch handles one inbound envelope. Failures are logged and counted;
// nothing is sent back to the client.
func (g *Gateway) Dispatch(connID string, env protocol.Envelope) {
	log := g.log.WithFields(logrus.Fields{"conn_id": connID, "event": env.Event})

	if err := env.Validate(); err != nil {
		g.metrics.Drop(metrics.DropReasonMalformed)
		log.WithError(err).Debug("Ignoring malformed envelope")
		return
	}
	if !g.allow(connID) {
		g.metrics.Drop(metrics.DropReasonRateLimited)
		log.Debug("Rate limited")
		return
	}

	handler, ok := g.handlers[env.Event]
	if !ok {
		g.metrics.Drop(metrics.DropReasonUnknownEvent)
		log.Debug("Ignoring unknown event")
		return
	}
	g.metrics.Event(env.Event)

	if err := handler(connID, env.Data); err != nil {
		g.metrics.Drop(dropReason(err))
		log.WithError(err).Debug("Event dropped")
	}
}

func (g *Gateway) allow(connID string) bool {
	g.mu.Lock()
	limiter := g.limiters[connID]
	g.mu.Unlock()
	return limiter == nil || limiter.Allow()
}

func (g *Gateway) handleJoinRoom(connID string, data json.RawMessage) error {
	roomID, err := protocol.DecodeRoomID(data)
	if err != nil {
		return err
	}
	return g.coord.Join(connID, roomID)
}

func (g *Gateway) handleSendRoom(connID string, data json.RawMessage) error {
	req, err := protocol.DecodeSendRoom(data)
	if err != nil {
		return err
	}
	var loc *room.Location
	if req.Location != nil {
		loc = &room.Location{Lat: req.Location.Lat, Lng: req.Location.Lng}
	}
	return g.coord.Create(connID, req.RoomID, loc)
}

func (g *Gateway) handleGetRooms(connID string, _ json.RawMessage) error {
	g.coord.Rooms(connID)
	return nil
}

func (g *Gateway) handleLeaveRoom(connID string, data json.RawMessage) error {
	roomID, err := protocol.DecodeRoomID(data)
	if err != nil {
		return err
	}
	g.coord.Leave(connID, roomID)
	return nil
}

func (g *Gateway) handleCloseRoom(connID string, data json.RawMessage) error {
	roomID, err := protocol.DecodeRoomID(data)
	if err != nil {
		return err
	}
	return g.coord.Close(connID, roomID)
}

func (g *Gateway) signalHandler(event string) handlerFunc {
	return func(connID string, data json.RawMessage) error {
		sig, err := protocol.DecodeSignal(event, data)
		if err != nil {
			return err
		}
		if err := g.relay.Forward(event, connID, sig); err != nil {
			return err
		}
		g.metrics.Relayed(event)
		return nil
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, room.ErrEmptyRoomID):
		return metrics.DropReasonMalformed
	case errors.Is(err, room.ErrRoomNotFound):
		return metrics.DropReasonUnknownRoom
	case errors.Is(err, room.ErrRoomFull):
		return metrics.DropReasonRoomFull
	case errors.Is(err, session.ErrNotHost):
		return metrics.DropReasonNotHost
	case errors.Is(err, signaling.ErrUnknownTarget), errors.Is(err, signaling.ErrSelfTarget):
		return metrics.DropReasonUnknownTarget
	case errors.Is(err, session.ErrUnknownConnection):
		return metrics.DropReasonNotConnected
	default:
		return metrics.DropReasonOther
	}
}
