package gateway

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/LemmyAI/roomrelay/internal/metrics"
	"github.com/LemmyAI/roomrelay/internal/protocol"
	"github.com/LemmyAI/roomrelay/internal/transport"
)

// TransportEmitter delivers envelopes through a Transport. It never blocks:
// a connection whose send buffer is full is disconnected instead.
type TransportEmitter struct {
	transport transport.Transport
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
}

// NewTransportEmitter creates an emitter over t. m may be nil.
func NewTransportEmitter(t transport.Transport, log logrus.FieldLogger, m *metrics.Metrics) *TransportEmitter {
	return &TransportEmitter{
		transport: t,
		log:       log.WithField("component", "emitter"),
		metrics:   m,
	}
}

// Unicast sends env to one connection.
func (e *TransportEmitter) Unicast(connID string, env protocol.Envelope) {
	err := e.transport.Send(connID, env)
	if err == nil {
		return
	}

	log := e.log.WithFields(logrus.Fields{"conn_id": connID, "event": env.Event})
	switch {
	case errors.Is(err, transport.ErrUnknownConnection), errors.Is(err, transport.ErrClosed):
		e.metrics.Drop(metrics.DropReasonNotConnected)
		log.Debug("Dropped send to departed connection")

	case errors.Is(err, transport.ErrSendBufferFull):
		e.metrics.Drop(metrics.DropReasonSendBufferFull)
		log.Warn("⚠️ Send buffer full, disconnecting slow client")
		if err := e.transport.Disconnect(connID); err != nil {
			log.WithError(err).Debug("Disconnect after full buffer failed")
		}

	default:
		e.metrics.Drop(metrics.DropReasonEncodeFailed)
		log.WithError(err).Error("❌ Send failed")
	}
}

// Multicast sends env to each listed connection.
func (e *TransportEmitter) Multicast(connIDs []string, env protocol.Envelope) {
	for _, id := range connIDs {
		e.Unicast(id, env)
	}
}

// Broadcast sends env to every live connection.
func (e *TransportEmitter) Broadcast(env protocol.Envelope) {
	e.BroadcastExcept(env, "")
}

// BroadcastExcept sends env to every live connection but excludeID.
func (e *TransportEmitter) BroadcastExcept(env protocol.Envelope, excludeID string) {
	for _, id := range e.transport.Connections() {
		if id == excludeID {
			continue
		}
		e.Unicast(id, env)
	}
}
