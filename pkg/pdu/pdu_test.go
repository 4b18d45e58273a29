package pdu

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRoundTrip(t *testing.T) {
	p := Build(Flags{SYN: true}, 7, 0, 1234, 5678, nil)
	assert.True(t, p.SYN)
	assert.False(t, p.ACK)
	assert.False(t, p.FIN)
	assert.EqualValues(t, 7, p.SeqNum)
	assert.EqualValues(t, 1234, p.SourcePort)
	assert.EqualValues(t, 5678, p.DestPort)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := Build(Flags{ACK: true}, 3, 4, 111, 222, []byte("hello"))
	got, err := Decode(Encode(want))
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestVerifyMatchesExactFlagTriple(t *testing.T) {
	cases := []struct {
		name   string
		p      PDU
		expect bool
	}{
		{"syn only", Build(Flags{SYN: true}, 1, 0, 0, 0, nil), true},
		{"syn+ack not syn-only", Build(Flags{SYN: true, ACK: true}, 1, 0, 0, 0, nil), false},
		{"bare ack", Build(Flags{ACK: true}, 0, 9, 0, 0, nil), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, Verify(tc.p, true, false, false, 0, 0))
		})
	}
}

func TestVerifyDontCareOnZeroExpected(t *testing.T) {
	p := Build(Flags{ACK: true}, 0, 42, 0, 0, nil)
	assert.True(t, Verify(p, false, true, false, 0, 0), "zero expected seq/ack means don't care")
	assert.True(t, Verify(p, false, true, false, 0, 42))
	assert.False(t, Verify(p, false, true, false, 0, 43))
}

func TestVerifyThenBuildThenVerifyIsIdentity(t *testing.T) {
	p := Build(Flags{SYN: true, ACK: true}, 5, 6, 1, 2, nil)
	ok := Verify(p, true, true, false, 5, 6)
	require.True(t, ok)

	rebuilt := Build(Flags{SYN: p.SYN, ACK: p.ACK, FIN: p.FIN}, p.SeqNum, p.AckNum, p.SourcePort, p.DestPort, p.Payload)
	assert.Equal(t, ok, Verify(rebuilt, true, true, false, 5, 6))
}

func TestInvalidPacketRejected(t *testing.T) {
	raw := Encode(PDU{SourcePort: 1, DestPort: 2})
	_, err := Decode(raw)
	assert.Error(t, err, "flagless, payload-less PDU must be rejected")
}

func TestDecodeShortPacket(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestPayloadPresenceImpliesValid(t *testing.T) {
	p := PDU{SourcePort: 1, DestPort: 2, Payload: []byte("x")}
	assert.True(t, p.Valid())
}
