package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire form of a message.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode serialises one message into an envelope.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", m.MessageType(), err)
	}
	return json.Marshal(Envelope{Type: m.MessageType(), Data: data})
}

// Decode parses one envelope.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	return env.Message()
}

// DecodeBatch parses a JSON array of envelopes. It stops at the first
// malformed entry and reports its index.
func DecodeBatch(raw []byte) ([]Message, error) {
	var envs []Envelope
	if err := json.Unmarshal(raw, &envs); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal batch: %w", err)
	}
	out := make([]Message, 0, len(envs))
	for i, env := range envs {
		m, err := env.Message()
		if err != nil {
			return nil, fmt.Errorf("protocol: entry %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Message decodes the envelope payload into its variant.
func (e Envelope) Message() (Message, error) {
	switch e.Type {
	case TypeRegister:
		return decodeAs[RegisterElement](e)
	case TypeBounds:
		return decodeAs[UpdateBounds](e)
	case TypeUnregister:
		return decodeAs[Unregister](e)
	case TypePointer:
		return decodeAs[PointerMove](e)
	case TypeScroll:
		return decodeAs[Scroll](e)
	case TypeFocus:
		return decodeAs[Focus](e)
	case TypeBlur:
		return decodeAs[Blur](e)
	case TypeKey:
		return decodeAs[KeyDown](e)
	case TypePrediction:
		return decodeAs[PredictionRequest](e)
	}
	return nil, fmt.Errorf("protocol: unknown message type %q", e.Type)
}

func decodeAs[M Message](e Envelope) (Message, error) {
	var m M
	if len(e.Data) == 0 {
		return nil, fmt.Errorf("protocol: %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return nil, fmt.Errorf("protocol: %s: %w", e.Type, err)
	}
	return m, nil
}
