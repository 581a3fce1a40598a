package envelope

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// IDSize is the width in bytes of node and device identifiers on the wire.
const IDSize = 8

// ErrInvalidID is returned when a node or device identifier cannot be normalised.
var ErrInvalidID = errors.New("invalid node identifier")

// ID identifies a node or a device (sub-entity) in the addressing hierarchy.
// IDs are opaque to routers; destinations embed them verbatim.
type ID string

// ZeroID is the all-zero identifier used when a producer does not know its
// sender or receiver.
const ZeroID ID = "0000000000000000"

// String returns the identifier text.
func (id ID) String() string {
	return string(id)
}

// IsZero reports whether the identifier is empty or all zeros.
func (id ID) IsZero() bool {
	return strings.Trim(string(id), "0") == ""
}

// NormalizeID renders a hexadecimal node identifier as IDSize bytes of
// lowercase hex, left-padded with zeros. "1A" becomes "000000000000001a".
func NormalizeID(s string) (ID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(s) > 2*IDSize {
		return "", fmt.Errorf("%w: %q is longer than %d hex digits", ErrInvalidID, s, 2*IDSize)
	}
	padded := strings.Repeat("0", 2*IDSize-len(s)) + s
	if _, err := hex.DecodeString(padded); err != nil {
		return "", fmt.Errorf("%w: %q is not hexadecimal", ErrInvalidID, s)
	}
	return ID(padded), nil
}

// Envelope is the outer addressed unit of the wire format.
type Envelope struct {
	// SenderID is the origin node. Stamped by an authoritative hop.
	SenderID ID

	// SenderSubID is the origin device on the sender node.
	SenderSubID ID

	// ReceiverID is the destination node, set by the producer.
	ReceiverID ID

	// ReceiverSubID is the destination device on the receiver node.
	ReceiverSubID ID

	// Body is an encoded sequence of Units.
	Body []byte
}

// WithBody returns a copy of the envelope header carrying body.
// The header is preserved exactly; body is not copied.
func (e Envelope) WithBody(body []byte) Envelope {
	e.Body = body
	return e
}

// Unit is the inner plugin-tagged item carried in an Envelope body.
type Unit struct {
	PluginID           uint16
	PluginMajorVersion uint8
	PluginMinorVersion uint8
	PluginInstance     uint8

	// Body is the application payload. It is never interpreted by routers.
	Body []byte
}

// Identity returns the plugin identity the unit claims.
func (u Unit) Identity() PluginIdentity {
	return PluginIdentity{
		ID:       u.PluginID,
		Version:  Version{Major: u.PluginMajorVersion, Minor: u.PluginMinorVersion},
		Instance: u.PluginInstance,
	}
}

// Stamp returns a copy of the unit whose plugin fields are replaced by id.
func (u Unit) Stamp(id PluginIdentity) Unit {
	u.PluginID = id.ID
	u.PluginMajorVersion = id.Version.Major
	u.PluginMinorVersion = id.Version.Minor
	u.PluginInstance = id.Instance
	return u
}
