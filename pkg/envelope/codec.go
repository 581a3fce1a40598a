package envelope

// Codec encodes and decodes the two-level wire format.
//
// Decoding never partially yields: on truncated or malformed input it returns
// an error and no values. For any well-formed xs,
// DecodeEnvelopes(EncodeEnvelopes(xs)) equals xs, and likewise for units.
type Codec interface {
	// DecodeEnvelopes decodes one transport payload into its envelopes.
	DecodeEnvelopes(data []byte) ([]Envelope, error)

	// EncodeEnvelopes encodes envelopes into one transport payload.
	EncodeEnvelopes(envelopes []Envelope) ([]byte, error)

	// DecodeUnits decodes an Envelope body into its units.
	DecodeUnits(body []byte) ([]Unit, error)

	// EncodeUnits encodes units into an Envelope body.
	EncodeUnits(units []Unit) ([]byte, error)
}
