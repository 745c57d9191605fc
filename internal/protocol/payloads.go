package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Location is a geographic coordinate pair supplied by a room's creator.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// UnmarshalJSON accepts {lat, lng} and the {latitude, longitude} shape
// older browser clients send. Both coordinates must be present.
func (l *Location) UnmarshalJSON(data []byte) error {
	var w struct {
		Lat       *float64 `json:"lat"`
		Lng       *float64 `json:"lng"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	lat, lng := firstSet(w.Lat, w.Latitude), firstSet(w.Lng, w.Longitude)
	if lat == nil || lng == nil {
		return fmt.Errorf("%w: location needs both coordinates", ErrMalformed)
	}
	l.Lat, l.Lng = *lat, *lng
	return nil
}

func firstSet(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func (l Location) valid() bool {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lng) {
		return false
	}
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

// SendRoom is the payload of an inbound send_room event.
type SendRoom struct {
	RoomID   string    `json:"roomId"`
	Location *Location `json:"location,omitempty"`
}

// Signal is the routing part of an inbound offer, answer or ice-candidate.
// Payload is the untouched sdp or candidate value.
type Signal struct {
	Target  string
	Payload json.RawMessage
}

// signalWire accepts the current field names and the ones older browser
// clients send.
type signalWire struct {
	TargetConnectionID string          `json:"targetConnectionId"`
	ReceiverSocketID   string          `json:"receiverSocketId"`
	SenderSocketID     string          `json:"senderSocketId"`
	SocketID           string          `json:"socketId"`
	SDP                json.RawMessage `json:"sdp"`
	Candidate          json.RawMessage `json:"candidate"`
	IceCandidate       json.RawMessage `json:"iceCandidate"`
}

// Welcome is sent to a connection right after it is registered.
type Welcome struct {
	ConnectionID string `json:"connectionId"`
}

// JoinNotice tells existing members that someone joined.
type JoinNotice struct {
	JoinerConnectionID string `json:"joinerConnectionId"`
}

// DecodeRoomID accepts either a bare JSON string or an object with roomId.
func DecodeRoomID(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", fmt.Errorf("%w: missing room id", ErrMalformed)
	}

	var id string
	if data[0] == '{' {
		var obj struct {
			RoomID string `json:"roomId"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		id = obj.RoomID
	} else if err := json.Unmarshal(data, &id); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: missing room id", ErrMalformed)
	}
	return id, nil
}

// DecodeSendRoom parses a send_room payload.
func DecodeSendRoom(data json.RawMessage) (SendRoom, error) {
	var req SendRoom
	if err := json.Unmarshal(data, &req); err != nil {
		return SendRoom{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(req.RoomID) == "" {
		return SendRoom{}, fmt.Errorf("%w: missing room id", ErrMalformed)
	}
	if req.Location != nil && !req.Location.valid() {
		return SendRoom{}, fmt.Errorf("%w: location out of range", ErrMalformed)
	}
	return req, nil
}

// DecodeSignal parses an offer, answer or ice-candidate payload.
func DecodeSignal(event string, data json.RawMessage) (Signal, error) {
	var w signalWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	sig := Signal{Target: firstNonEmpty(w.TargetConnectionID, w.ReceiverSocketID, w.SenderSocketID, w.SocketID)}
	if sig.Target == "" {
		return Signal{}, fmt.Errorf("%w: missing target", ErrMalformed)
	}

	switch event {
	case EventOffer, EventAnswer:
		sig.Payload = w.SDP
	case EventIceCandidate:
		sig.Payload = w.Candidate
		if len(sig.Payload) == 0 {
			sig.Payload = w.IceCandidate
		}
	default:
		return Signal{}, fmt.Errorf("%w: %q is not a signaling event", ErrMalformed, event)
	}
	if len(sig.Payload) == 0 {
		return Signal{}, fmt.Errorf("%w: missing %s payload", ErrMalformed, event)
	}
	return sig, nil
}

// RelayData builds the outbound data object for a forwarded signal:
// {"<idKey>":"<id>","<payloadKey>":<payload>}. The payload bytes are copied
// as-is.
func RelayData(idKey, id, payloadKey string, payload json.RawMessage) (json.RawMessage, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid json", ErrMalformed)
	}
	quotedID, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	b.Grow(len(idKey) + len(quotedID) + len(payloadKey) + len(payload) + 8)
	b.WriteString(`{"`)
	b.WriteString(idKey)
	b.WriteString(`":`)
	b.Write(quotedID)
	b.WriteString(`,"`)
	b.WriteString(payloadKey)
	b.WriteString(`":`)
	b.Write(payload)
	b.WriteByte('}')
	return b.Bytes(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
