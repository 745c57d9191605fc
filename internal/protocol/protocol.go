// Package protocol defines the relay's wire envelope, event names and payloads.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound and outbound event names. Several names are used in both directions.
const (
	EventWelcome         = "welcome"
	EventJoinRoom        = "join_room"
	EventSendRoom        = "send_room"
	EventGetRooms        = "get_rooms"
	EventLeaveRoom       = "leave_room"
	EventCloseRoom       = "close_room"
	EventRoomMemberCount = "room_member_count"
	EventRoomList        = "room_list"
	EventOffer           = "offer"
	EventAnswer          = "answer"
	EventIceCandidate    = "ice-candidate"
)

var (
	ErrMalformed    = errors.New("malformed message")
	ErrUnknownCodec = errors.New("unknown codec")
)

// Envelope is one framed event. Data is kept as raw JSON regardless of the
// codec the frame travelled in.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals v as the envelope's data. A nil v yields no data.
func NewEnvelope(event string, v any) (Envelope, error) {
	env := Envelope{Event: event}
	if v == nil {
		return env, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		env.Data = raw
		return env, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// MustEnvelope is NewEnvelope for values that always marshal.
func MustEnvelope(event string, v any) Envelope {
	env, err := NewEnvelope(event, v)
	if err != nil {
		panic(err)
	}
	return env
}

// Validate reports whether the envelope can be dispatched.
func (e Envelope) Validate() error {
	if e.Event == "" {
		return fmt.Errorf("%w: missing event", ErrMalformed)
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return fmt.Errorf("%w: data is not valid json", ErrMalformed)
	}
	return nil
}

// HasData reports whether the envelope carries a non-null payload.
func (e Envelope) HasData() bool {
	d := bytes.TrimSpace(e.Data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null"))
}

// Encode serializes an envelope with the JSON codec.
func Encode(env Envelope) ([]byte, error) {
	return JSON.Encode(env)
}

// Decode deserializes a JSON frame.
func Decode(data []byte) (Envelope, error) {
	return JSON.Decode(data)
}

// IsRelayEvent reports whether the event is forwarded peer to peer.
func IsRelayEvent(event string) bool {
	switch event {
	case EventOffer, EventAnswer, EventIceCandidate:
		return true
	default:
		return false
	}
}
