package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// WebSocket subprotocols, one per codec.
const (
	SubprotocolJSON    = "relay.json"
	SubprotocolMsgpack = "relay.msgpack"
	SubprotocolProto   = "relay.proto"
)

// Codec converts envelopes to and from frames.
type Codec interface {
	Name() string
	// Binary reports whether frames must be sent as binary messages.
	Binary() bool
	Encode(env Envelope) ([]byte, error)
	Decode(frame []byte) (Envelope, error)
}

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
	Proto   Codec = protoCodec{}
)

// Subprotocols lists the negotiable subprotocols in preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolMsgpack, SubprotocolProto}
}

// CodecFor returns the codec for a negotiated subprotocol. An empty
// subprotocol means plain JSON.
func CodecFor(subprotocol string) (Codec, error) {
	switch subprotocol {
	case "", SubprotocolJSON:
		return JSON, nil
	case SubprotocolMsgpack:
		return Msgpack, nil
	case SubprotocolProto:
		return Proto, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, subprotocol)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool { return false }

// Encode writes the frame by hand; json.Marshal would compact Data and the
// relay promises to forward payload bytes untouched.
func (jsonCodec) Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	event, err := json.Marshal(env.Event)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	b.Grow(len(event) + len(env.Data) + 20)
	b.WriteString(`{"event":`)
	b.Write(event)
	if len(env.Data) > 0 {
		b.WriteString(`,"data":`)
		b.Write(env.Data)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func (jsonCodec) Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// msgpackEnvelope carries data as the JSON text in a bin field so payloads
// cross the binary codecs without number or key-order changes.
type msgpackEnvelope struct {
	Event string `msgpack:"event"`
	Data  []byte `msgpack:"data,omitempty"`
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return SubprotocolMsgpack }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	out := msgpackEnvelope{Event: env.Event}
	if env.HasData() {
		out.Data = env.Data
	}
	return msgpack.Marshal(&out)
}

func (msgpackCodec) Decode(frame []byte) (Envelope, error) {
	var in msgpackEnvelope
	if err := msgpack.Unmarshal(frame, &in); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env := Envelope{Event: in.Event}
	if len(in.Data) > 0 {
		env.Data = in.Data
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// protoCodec frames envelopes as a google.protobuf.Struct with an "event"
// string and a "data" string holding the payload's JSON text.
type protoCodec struct{}

func (protoCodec) Name() string { return SubprotocolProto }
func (protoCodec) Binary() bool { return true }

func (protoCodec) Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	fields := map[string]*structpb.Value{
		"event": structpb.NewStringValue(env.Event),
	}
	if env.HasData() {
		fields["data"] = structpb.NewStringValue(string(env.Data))
	}
	return proto.Marshal(&structpb.Struct{Fields: fields})
}

func (protoCodec) Decode(frame []byte) (Envelope, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(frame, s); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env := Envelope{Event: s.GetFields()["event"].GetStringValue()}
	if v, ok := s.GetFields()["data"]; ok {
		text, isString := v.GetKind().(*structpb.Value_StringValue)
		if !isString {
			return Envelope{}, fmt.Errorf("%w: data must be a JSON string", ErrMalformed)
		}
		if text.StringValue != "" {
			env.Data = json.RawMessage(text.StringValue)
		}
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
