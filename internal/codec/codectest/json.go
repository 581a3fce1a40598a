package codectest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
)

// ErrMalformed is returned by JSON for input it cannot decode.
var ErrMalformed = errors.New("codectest: malformed payload")

// JSON is a readable envelope.Codec for tests. Payloads are JSON arrays of
// objects; bodies are base64.
type JSON struct{}

// Ensure JSON implements envelope.Codec
var _ envelope.Codec = JSON{}

type jsonEnvelope struct {
	SenderID      string `json:"sender_id"`
	SenderSubID   string `json:"sender_sub_id"`
	ReceiverID    string `json:"receiver_id"`
	ReceiverSubID string `json:"receiver_sub_id"`
	Body          []byte `json:"body"`
}

type jsonUnit struct {
	PluginID uint16 `json:"plugin_id"`
	Major    uint8  `json:"plugin_major_version"`
	Minor    uint8  `json:"plugin_minor_version"`
	Instance uint8  `json:"plugin_instance"`
	Body     []byte `json:"body"`
}

// DecodeEnvelopes implements envelope.Codec.
func (JSON) DecodeEnvelopes(data []byte) ([]envelope.Envelope, error) {
	var wire []jsonEnvelope
	if err := strictUnmarshal(data, &wire); err != nil {
		return nil, err
	}
	if len(wire) == 0 {
		return nil, nil
	}
	out := make([]envelope.Envelope, len(wire))
	for i, w := range wire {
		out[i] = envelope.Envelope{
			SenderID:      envelope.ID(w.SenderID),
			SenderSubID:   envelope.ID(w.SenderSubID),
			ReceiverID:    envelope.ID(w.ReceiverID),
			ReceiverSubID: envelope.ID(w.ReceiverSubID),
			Body:          nilIfEmpty(w.Body),
		}
	}
	return out, nil
}

// EncodeEnvelopes implements envelope.Codec.
func (JSON) EncodeEnvelopes(envelopes []envelope.Envelope) ([]byte, error) {
	wire := make([]jsonEnvelope, len(envelopes))
	for i, e := range envelopes {
		wire[i] = jsonEnvelope{
			SenderID:      string(e.SenderID),
			SenderSubID:   string(e.SenderSubID),
			ReceiverID:    string(e.ReceiverID),
			ReceiverSubID: string(e.ReceiverSubID),
			Body:          e.Body,
		}
	}
	return json.Marshal(wire)
}

// DecodeUnits implements envelope.Codec.
func (JSON) DecodeUnits(body []byte) ([]envelope.Unit, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var wire []jsonUnit
	if err := strictUnmarshal(body, &wire); err != nil {
		return nil, err
	}
	if len(wire) == 0 {
		return nil, nil
	}
	out := make([]envelope.Unit, len(wire))
	for i, w := range wire {
		out[i] = envelope.Unit{
			PluginID:           w.PluginID,
			PluginMajorVersion: w.Major,
			PluginMinorVersion: w.Minor,
			PluginInstance:     w.Instance,
			Body:               nilIfEmpty(w.Body),
		}
	}
	return out, nil
}

// EncodeUnits implements envelope.Codec.
func (JSON) EncodeUnits(units []envelope.Unit) ([]byte, error) {
	wire := make([]jsonUnit, len(units))
	for i, u := range units {
		wire[i] = jsonUnit{
			PluginID: u.PluginID,
			Major:    u.PluginMajorVersion,
			Minor:    u.PluginMinorVersion,
			Instance: u.PluginInstance,
			Body:     u.Body,
		}
	}
	return json.Marshal(wire)
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	return nil
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
