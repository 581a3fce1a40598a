// Package envelope defines the two-level addressed message model carried
// through the sensor-network routing fabric.
//
// This package defines the core data types:
//   - Envelope: the outer addressed unit ("packet") with sender and receiver
//     node/device identifiers and an opaque body
//   - Unit: the inner plugin-tagged item ("datagram") carried inside an
//     Envelope body
//   - PluginIdentity: the structured identity parsed from an authenticated
//     plugin credential such as "plugin-3-1.4-0"
//   - Codec: the contract a wire codec must satisfy
//
// An Envelope body is itself an encoded sequence of Units. Routers read the
// receiver fields and the plugin fields to decide where a message goes; only
// the identity validator rewrites sender and plugin fields.
//
// Example usage:
//
//	envelopes, err := codec.DecodeEnvelopes(data)
//	if err != nil {
//		return err // malformed input, drop it
//	}
//	for _, env := range envelopes {
//		units, err := codec.DecodeUnits(env.Body)
//		if err != nil {
//			return err
//		}
//		for _, unit := range units {
//			fmt.Println(env.ReceiverSubID, unit.PluginID)
//		}
//	}
//
// Codec round-trip is part of the contract: for any sequence xs of
// well-formed envelopes, DecodeEnvelopes(EncodeEnvelopes(xs)) equals xs.
package envelope
