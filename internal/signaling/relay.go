// Package signaling forwards WebRTC offers, answers and ICE candidates
// between two connections. Payloads are opaque and passed on byte for byte.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/LemmyAI/roomrelay/internal/protocol"
)

var (
	ErrUnknownTarget = errors.New("unknown target connection")
	ErrSelfTarget    = errors.New("signal addressed to its sender")
)

// Outbound data keys naming the connection a signal came from.
const (
	KeySender   = "senderConnectionId"
	KeyReceiver = "receiverConnectionId"
	KeyOrigin   = "originConnectionId"
)

// Sender delivers one envelope to one connection without blocking.
type Sender interface {
	Unicast(connID string, env protocol.Envelope)
}

// Directory answers whether a connection is live.
type Directory interface {
	Exists(connID string) bool
}

// Relay is stateless apart from its collaborators.
type Relay struct {
	peers Directory
	out   Sender
	log   logrus.FieldLogger
}

// NewRelay creates a relay.
func NewRelay(peers Directory, out Sender, log logrus.FieldLogger) *Relay {
	return &Relay{
		peers: peers,
		out:   out,
		log:   log.WithField("component", "signaling"),
	}
}

// ForwardOffer sends {senderConnectionId, sdp} to the target.
func (r *Relay) ForwardOffer(from, to string, sdp json.RawMessage) error {
	return r.forward(protocol.EventOffer, from, to, KeySender, "sdp", sdp)
}

// ForwardAnswer sends {receiverConnectionId, sdp} to the target.
func (r *Relay) ForwardAnswer(from, to string, sdp json.RawMessage) error {
	return r.forward(protocol.EventAnswer, from, to, KeyReceiver, "sdp", sdp)
}

// ForwardIceCandidate sends {originConnectionId, candidate} to the target.
func (r *Relay) ForwardIceCandidate(from, to string, candidate json.RawMessage) error {
	return r.forward(protocol.EventIceCandidate, from, to, KeyOrigin, "candidate", candidate)
}

// Forward routes an already decoded signal by event name.
func (r *Relay) Forward(event, from string, sig protocol.Signal) error {
	if !protocol.IsRelayEvent(event) {
		return fmt.Errorf("%w: %q is not a signaling event", protocol.ErrMalformed, event)
	}
	switch event {
	case protocol.EventOffer:
		return r.ForwardOffer(from, sig.Target, sig.Payload)
	case protocol.EventAnswer:
		return r.ForwardAnswer(from, sig.Target, sig.Payload)
	}
	return r.ForwardIceCandidate(from, sig.Target, sig.Payload)
}

func (r *Relay) forward(event, from, to, idKey, payloadKey string, payload json.RawMessage) error {
	if to == "" || !r.peers.Exists(to) {
		return fmt.Errorf("%s to %q: %w", event, to, ErrUnknownTarget)
	}
	if to == from {
		return fmt.Errorf("%s: %w", event, ErrSelfTarget)
	}

	data, err := protocol.RelayData(idKey, from, payloadKey, payload)
	if err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}
	r.out.Unicast(to, protocol.Envelope{Event: event, Data: data})

	r.log.WithFields(logrus.Fields{
		"event": event,
		"from":  from,
		"to":    to,
		"bytes": len(payload),
	}).Debug("Signal forwarded")
	return nil
}
