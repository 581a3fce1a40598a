// Package codec implements envelope.Codec on CBOR.
//
// A transport payload is one frame:
//
//	[version, compression, size, data]
//
// where data is the (optionally compressed) CBOR array of envelopes and
// size is its uncompressed length. Envelopes and units are CBOR arrays of
// their fields in declaration order. Encoding uses Core Deterministic
// Encoding, so equal input always yields identical bytes.
package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
)

// frameVersion is the only frame layout this codec reads and writes.
const frameVersion = 1

// MaxFrameSize bounds the uncompressed envelope array of one frame.
const MaxFrameSize = 64 << 20

// ErrMalformed is returned for truncated, malformed or oversized input.
var ErrMalformed = errors.New("malformed payload")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 1 << 20,
		MaxNestedLevels:  8,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

type frame struct {
	_           struct{} `cbor:",toarray"`
	Version     uint8
	Compression Compression
	Size        uint64
	Data        []byte
}

type wireEnvelope struct {
	_             struct{} `cbor:",toarray"`
	SenderID      string
	SenderSubID   string
	ReceiverID    string
	ReceiverSubID string
	Body          []byte
}

type wireUnit struct {
	_        struct{} `cbor:",toarray"`
	PluginID uint16
	Major    uint8
	Minor    uint8
	Instance uint8
	Body     []byte
}

// Options configures frame compression.
type Options struct {
	// Compression applied to frames whose envelope array is at least
	// Threshold bytes. Incompressible data is stored uncompressed.
	Compression Compression
	Threshold   int
}

// DefaultOptions returns uncompressed framing.
func DefaultOptions() Options {
	return Options{Compression: CompressionNone, Threshold: 1024}
}

// CBOR is the CBOR implementation of envelope.Codec.
// It is safe for concurrent use.
type CBOR struct {
	opts Options
}

// Ensure CBOR implements envelope.Codec
var _ envelope.Codec = (*CBOR)(nil)

// New creates a CBOR codec.
func New(opts Options) *CBOR {
	return &CBOR{opts: opts}
}

// DecodeEnvelopes implements envelope.Codec.
func (c *CBOR) DecodeEnvelopes(data []byte) ([]envelope.Envelope, error) {
	var f frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: frame: %v", ErrMalformed, err)
	}
	if f.Version != frameVersion {
		return nil, fmt.Errorf("%w: unsupported frame version %d", ErrMalformed, f.Version)
	}
	if f.Size > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame size %d exceeds %d", ErrMalformed, f.Size, MaxFrameSize)
	}
	raw, err := decompress(f.Data, f.Compression, int(f.Size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var wire []wireEnvelope
	if err := decMode.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: envelopes: %v", ErrMalformed, err)
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
			Body:          normalizeBody(w.Body),
		}
	}
	return out, nil
}

// EncodeEnvelopes implements envelope.Codec.
func (c *CBOR) EncodeEnvelopes(envelopes []envelope.Envelope) ([]byte, error) {
	wire := make([]wireEnvelope, len(envelopes))
	for i, e := range envelopes {
		wire[i] = wireEnvelope{
			SenderID:      string(e.SenderID),
			SenderSubID:   string(e.SenderSubID),
			ReceiverID:    string(e.ReceiverID),
			ReceiverSubID: string(e.ReceiverSubID),
			Body:          e.Body,
		}
	}
	raw, err := encMode.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode envelopes: %w", err)
	}
	if len(raw) > MaxFrameSize {
		return nil, fmt.Errorf("encode envelopes: %d bytes exceeds frame limit %d", len(raw), MaxFrameSize)
	}

	f := frame{Version: frameVersion, Compression: CompressionNone, Size: uint64(len(raw)), Data: raw}
	if c.opts.Compression != CompressionNone && len(raw) >= c.opts.Threshold {
		packed, err := compress(raw, c.opts.Compression)
		switch {
		case err == nil:
			f.Compression = c.opts.Compression
			f.Data = packed
		case !errors.Is(err, errIncompressible):
			return nil, fmt.Errorf("encode envelopes: %w", err)
		}
	}
	return encMode.Marshal(f)
}

// DecodeUnits implements envelope.Codec.
func (c *CBOR) DecodeUnits(body []byte) ([]envelope.Unit, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var wire []wireUnit
	if err := decMode.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: units: %v", ErrMalformed, err)
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
			Body:               normalizeBody(w.Body),
		}
	}
	return out, nil
}

// EncodeUnits implements envelope.Codec.
func (c *CBOR) EncodeUnits(units []envelope.Unit) ([]byte, error) {
	wire := make([]wireUnit, len(units))
	for i, u := range units {
		wire[i] = wireUnit{
			PluginID: u.PluginID,
			Major:    u.PluginMajorVersion,
			Minor:    u.PluginMinorVersion,
			Instance: u.PluginInstance,
			Body:     u.Body,
		}
	}
	out, err := encMode.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode units: %w", err)
	}
	return out, nil
}

// normalizeBody maps empty bodies to nil so that round trips compare equal.
func normalizeBody(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
