// Package message defines the payload that travels through a pipeline.
package message

import (
	"fmt"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// SizeUnknown is returned by Size when the payload length cannot be known
// without encoding it.
const SizeUnknown int64 = -1

var jsonConfig = sonic.ConfigStd

// Message is a payload plus headers. The payload is one of []byte, string,
// proto.Message or any JSON-encodable value. A nil *Message is empty.
type Message struct {
	payload  any
	Metadata Metadata
}

// New wraps payload. The metadata is copied.
func New(payload any, md Metadata) *Message {
	return &Message{payload: payload, Metadata: md.Clone()}
}

// FromString wraps a string payload.
func FromString(s string) *Message {
	return &Message{payload: s, Metadata: Metadata{}}
}

// FromBytes wraps a byte payload.
func FromBytes(b []byte) *Message {
	return &Message{payload: b, Metadata: Metadata{}}
}

// FromWatermill wraps the payload and metadata of a Watermill message.
func FromWatermill(msg *wmmessage.Message) *Message {
	if msg == nil {
		return nil
	}
	return &Message{payload: []byte(msg.Payload), Metadata: MetadataFromWatermill(msg.Metadata)}
}

// Payload returns the wrapped value.
func (m *Message) Payload() any {
	if m == nil {
		return nil
	}
	return m.payload
}

// IsEmpty reports whether there is no payload or a zero-length one.
func (m *Message) IsEmpty() bool {
	if m == nil || m.payload == nil {
		return true
	}
	switch p := m.payload.(type) {
	case []byte:
		return len(p) == 0
	case string:
		return p == ""
	case proto.Message:
		return !p.ProtoReflect().IsValid()
	}
	return false
}

// Bytes returns the payload as bytes. Protobuf payloads use the binary wire
// format; other structured values are encoded as JSON.
func (m *Message) Bytes() ([]byte, error) {
	if m == nil || m.payload == nil {
		return nil, nil
	}
	switch p := m.payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case proto.Message:
		return proto.Marshal(p)
	case fmt.Stringer:
		return []byte(p.String()), nil
	}
	return jsonConfig.Marshal(m.payload)
}

// AsString returns the payload as text. Protobuf payloads are rendered with
// protojson.
func (m *Message) AsString() (string, error) {
	if m == nil || m.payload == nil {
		return "", nil
	}
	switch p := m.payload.(type) {
	case string:
		return p, nil
	case []byte:
		return string(p), nil
	case proto.Message:
		b, err := protojson.Marshal(p)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	b, err := m.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// String renders the payload for logging. Encoding failures are rendered
// inline instead of returned.
func (m *Message) String() string {
	s, err := m.AsString()
	if err != nil {
		return fmt.Sprintf("<unrenderable %T: %v>", m.payload, err)
	}
	return s
}

// Size returns the payload length in bytes, or SizeUnknown.
func (m *Message) Size() int64 {
	if m == nil || m.payload == nil {
		return 0
	}
	switch p := m.payload.(type) {
	case []byte:
		return int64(len(p))
	case string:
		return int64(len(p))
	case proto.Message:
		return int64(proto.Size(p))
	}
	return SizeUnknown
}

// Header returns a metadata value.
func (m *Message) Header(key string) string {
	if m == nil {
		return ""
	}
	return m.Metadata[key]
}

// WithHeader returns a copy of m carrying the extra header.
func (m *Message) WithHeader(key, value string) *Message {
	if m == nil {
		return &Message{Metadata: Metadata{key: value}}
	}
	return &Message{payload: m.payload, Metadata: m.Metadata.With(key, value)}
}

// WithPayload returns a message with the same headers and a new payload.
func (m *Message) WithPayload(payload any) *Message {
	if m == nil {
		return &Message{payload: payload, Metadata: Metadata{}}
	}
	return &Message{payload: payload, Metadata: m.Metadata.Clone()}
}

// ToWatermill encodes m as a Watermill message with the given uuid.
func (m *Message) ToWatermill(uuid string) (*wmmessage.Message, error) {
	payload, err := m.Bytes()
	if err != nil {
		return nil, err
	}
	msg := wmmessage.NewMessage(uuid, payload)
	if m != nil {
		msg.Metadata = m.Metadata.ToWatermill()
	}
	return msg, nil
}
