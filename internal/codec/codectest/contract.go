package codectest

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
)

// RunContract runs the codec contract against c.
func RunContract(t *testing.T, c envelope.Codec) {
	t.Helper()

	t.Run("envelope_round_trip", func(t *testing.T) {
		for name, xs := range Fixtures(t, c) {
			t.Run(name, func(t *testing.T) {
				data, err := c.EncodeEnvelopes(xs)
				require.NoError(t, err)
				got, err := c.DecodeEnvelopes(data)
				require.NoError(t, err)
				RequireEnvelopesEqual(t, xs, got)
			})
		}
	})

	t.Run("unit_round_trip", func(t *testing.T) {
		units := []envelope.Unit{
			{PluginID: 7, PluginMajorVersion: 2, PluginMinorVersion: 1, PluginInstance: 0, Body: []byte("a")},
			{PluginID: 65535, PluginMajorVersion: 255, PluginMinorVersion: 255, PluginInstance: 255, Body: bytes.Repeat([]byte{0}, 300)},
			{PluginID: 0},
		}
		data, err := c.EncodeUnits(units)
		require.NoError(t, err)
		got, err := c.DecodeUnits(data)
		require.NoError(t, err)
		RequireUnitsEqual(t, units, got)
	})

	t.Run("random_round_trip", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		for i := 0; i < 50; i++ {
			xs := RandomEnvelopes(t, c, rng)
			data, err := c.EncodeEnvelopes(xs)
			require.NoError(t, err)
			got, err := c.DecodeEnvelopes(data)
			require.NoError(t, err)
			RequireEnvelopesEqual(t, xs, got)
		}
	})

	t.Run("deterministic_encoding", func(t *testing.T) {
		for _, xs := range Fixtures(t, c) {
			a, err := c.EncodeEnvelopes(xs)
			require.NoError(t, err)
			b, err := c.EncodeEnvelopes(xs)
			require.NoError(t, err)
			require.Equal(t, a, b)
		}
	})

	t.Run("rejects_malformed", func(t *testing.T) {
		for _, data := range [][]byte{nil, {}, []byte("garbage"), {0xff, 0x00, 0x13}} {
			got, err := c.DecodeEnvelopes(data)
			require.Error(t, err, "input %q", data)
			require.Nil(t, got)
		}
		units, err := c.DecodeUnits([]byte("garbage"))
		require.Error(t, err)
		require.Nil(t, units)
	})

	t.Run("empty_unit_body", func(t *testing.T) {
		for _, body := range [][]byte{nil, {}} {
			units, err := c.DecodeUnits(body)
			require.NoError(t, err)
			require.Empty(t, units)
		}
	})

	t.Run("rejects_truncated", func(t *testing.T) {
		xs := Fixtures(t, c)["two_envelopes"]
		data, err := c.EncodeEnvelopes(xs)
		require.NoError(t, err)
		for n := 0; n < len(data); n++ {
			got, err := c.DecodeEnvelopes(data[:n])
			require.Error(t, err, "prefix of %d bytes decoded", n)
			require.Nil(t, got)
		}
	})
}

// Fixtures returns named envelope sequences with bodies encoded by c.
func Fixtures(t testing.TB, c envelope.Codec) map[string][]envelope.Envelope {
	t.Helper()
	body := MustEncodeUnits(t, c,
		envelope.Unit{PluginID: 5, PluginMajorVersion: 1, Body: []byte("x")},
		envelope.Unit{PluginID: 7, PluginMajorVersion: 2, PluginInstance: 1, Body: []byte("y")},
	)
	return map[string][]envelope.Envelope{
		"empty": nil,
		"empty_body": {
			{SenderID: envelope.ZeroID, ReceiverID: "N1", ReceiverSubID: "D1"},
		},
		"two_envelopes": {
			{SenderID: "0000000000000001", SenderSubID: "0000000000000002", ReceiverID: "N1", ReceiverSubID: "D1", Body: body},
			{ReceiverID: "N2", ReceiverSubID: "D2", Body: body},
		},
		"unicode_ids": {
			{ReceiverID: "nöde", ReceiverSubID: "dévice", Body: []byte{0, 1, 2}},
		},
		"large_body": {
			{ReceiverSubID: "D9", Body: bytes.Repeat([]byte("waggle "), 4096)},
		},
	}
}

// RandomEnvelopes builds a random well-formed envelope sequence.
func RandomEnvelopes(t testing.TB, c envelope.Codec, rng *rand.Rand) []envelope.Envelope {
	t.Helper()
	n := rng.Intn(5)
	if n == 0 {
		return nil
	}
	xs := make([]envelope.Envelope, n)
	for i := range xs {
		units := make([]envelope.Unit, rng.Intn(4))
		for j := range units {
			units[j] = envelope.Unit{
				PluginID:           uint16(rng.Intn(1 << 16)),
				PluginMajorVersion: uint8(rng.Intn(256)),
				PluginMinorVersion: uint8(rng.Intn(256)),
				PluginInstance:     uint8(rng.Intn(256)),
				Body:               randomBytes(rng),
			}
		}
		xs[i] = envelope.Envelope{
			SenderID:      envelope.ID(fmt.Sprintf("%016x", rng.Uint64())),
			SenderSubID:   envelope.ID(fmt.Sprintf("%016x", rng.Uint64())),
			ReceiverID:    envelope.ID(fmt.Sprintf("N%d", rng.Intn(3))),
			ReceiverSubID: envelope.ID(fmt.Sprintf("D%d", rng.Intn(3))),
			Body:          MustEncodeUnits(t, c, units...),
		}
	}
	return xs
}

func randomBytes(rng *rand.Rand) []byte {
	n := rng.Intn(64)
	if n == 0 {
		return nil
	}
	b := make([]byte, n)
	rng.Read(b)
	return b
}

// MustEncodeUnits encodes units or fails the test.
func MustEncodeUnits(t testing.TB, c envelope.Codec, units ...envelope.Unit) []byte {
	t.Helper()
	body, err := c.EncodeUnits(units)
	require.NoError(t, err)
	return body
}

// MustEncodeEnvelopes encodes envelopes or fails the test.
func MustEncodeEnvelopes(t testing.TB, c envelope.Codec, envelopes ...envelope.Envelope) []byte {
	t.Helper()
	data, err := c.EncodeEnvelopes(envelopes)
	require.NoError(t, err)
	return data
}

// MustDecodeEnvelopes decodes data or fails the test.
func MustDecodeEnvelopes(t testing.TB, c envelope.Codec, data []byte) []envelope.Envelope {
	t.Helper()
	xs, err := c.DecodeEnvelopes(data)
	require.NoError(t, err)
	return xs
}

// MustDecodeUnits decodes body or fails the test.
func MustDecodeUnits(t testing.TB, c envelope.Codec, body []byte) []envelope.Unit {
	t.Helper()
	units, err := c.DecodeUnits(body)
	require.NoError(t, err)
	return units
}

// RequireEnvelopesEqual compares envelope sequences, treating nil and empty
// bodies and sequences as equal.
func RequireEnvelopesEqual(t testing.TB, want, got []envelope.Envelope) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		w, g := want[i], got[i]
		require.Equal(t, w.SenderID, g.SenderID, "envelope %d sender_id", i)
		require.Equal(t, w.SenderSubID, g.SenderSubID, "envelope %d sender_sub_id", i)
		require.Equal(t, w.ReceiverID, g.ReceiverID, "envelope %d receiver_id", i)
		require.Equal(t, w.ReceiverSubID, g.ReceiverSubID, "envelope %d receiver_sub_id", i)
		require.True(t, bytes.Equal(w.Body, g.Body), "envelope %d body", i)
	}
}

// RequireUnitsEqual compares unit sequences, treating nil and empty bodies as equal.
func RequireUnitsEqual(t testing.TB, want, got []envelope.Unit) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].Identity(), got[i].Identity(), "unit %d identity", i)
		require.True(t, bytes.Equal(want[i].Body, got[i].Body), "unit %d body", i)
	}
}
