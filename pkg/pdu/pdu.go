// Package pdu implements the MIC-TCP protocol data unit: a fixed header
// (ports, sequence/ack numbers, SYN/ACK/FIN flags) plus an optional payload.
package pdu

import (
	"encoding/binary"
	"fmt"
)

// headerSize is the wire size of the fixed header: two 16-bit ports, two
// 32-bit numbers, and one flags byte.
const headerSize = 2 + 2 + 4 + 4 + 1

const (
	flagSYN byte = 1 << 0
	flagACK byte = 1 << 1
	flagFIN byte = 1 << 2
)

// PDU is one MIC-TCP datagram's worth of header plus optional payload.
type PDU struct {
	SourcePort uint16
	DestPort   uint16
	SeqNum     uint32
	AckNum     uint32
	SYN        bool
	ACK        bool
	FIN        bool
	Payload    []byte
}

// Flags bundles the three independent single-bit flags so callers don't have
// to pass three bools positionally.
type Flags struct {
	SYN bool
	ACK bool
	FIN bool
}

// Build constructs a PDU from its fields. It is pure construction: it does
// not validate the invariant that a flagless, payload-less PDU is invalid —
// that is Valid's and the decoder's job, so a caller assembling a PDU step
// by step never trips over it mid-construction.
func Build(flags Flags, seqNum, ackNum uint32, sourcePort, destPort uint16, payload []byte) PDU {
	return PDU{
		SourcePort: sourcePort,
		DestPort:   destPort,
		SeqNum:     seqNum,
		AckNum:     ackNum,
		SYN:        flags.SYN,
		ACK:        flags.ACK,
		FIN:        flags.FIN,
		Payload:    payload,
	}
}

// HasPayload reports whether the PDU carries application or probe bytes.
func (p PDU) HasPayload() bool {
	return len(p.Payload) > 0
}

// Valid enforces the data-model invariant from §3: a PDU with no payload and
// every flag clear carries no information and must be rejected.
func (p PDU) Valid() bool {
	if p.HasPayload() {
		return true
	}
	return p.SYN || p.ACK || p.FIN
}

// Verify returns true iff every flag matches its expected value AND every
// non-zero expected number matches the corresponding header field. A zero in
// an expected sequence/ack number means "don't care" — this lets callers
// check "is this an ACK" without also committing to an exact ack_num, which
// is the common case for plain data-transfer ACKs.
func Verify(p PDU, expectSYN, expectACK, expectFIN bool, expectSeq, expectAck uint32) bool {
	if p.SYN != expectSYN || p.ACK != expectACK || p.FIN != expectFIN {
		return false
	}
	if expectSeq != 0 && p.SeqNum != expectSeq {
		return false
	}
	if expectAck != 0 && p.AckNum != expectAck {
		return false
	}
	return true
}

// Encode serialises a PDU to its wire form. Field order: source port, dest
// port, seq num, ack num, flags byte, payload.
func Encode(p PDU) []byte {
	buf := make([]byte, headerSize+len(p.Payload))
	binary.BigEndian.PutUint16(buf[0:2], p.SourcePort)
	binary.BigEndian.PutUint16(buf[2:4], p.DestPort)
	binary.BigEndian.PutUint32(buf[4:8], p.SeqNum)
	binary.BigEndian.PutUint32(buf[8:12], p.AckNum)

	var flags byte
	if p.SYN {
		flags |= flagSYN
	}
	if p.ACK {
		flags |= flagACK
	}
	if p.FIN {
		flags |= flagFIN
	}
	buf[12] = flags

	copy(buf[headerSize:], p.Payload)
	return buf
}

// Decode parses a PDU off the wire and rejects anything shorter than the
// fixed header or that violates the flagless/payload-less invariant.
func Decode(data []byte) (PDU, error) {
	if len(data) < headerSize {
		return PDU{}, fmt.Errorf("pdu: short packet: %d bytes, want at least %d", len(data), headerSize)
	}

	flags := data[12]
	p := PDU{
		SourcePort: binary.BigEndian.Uint16(data[0:2]),
		DestPort:   binary.BigEndian.Uint16(data[2:4]),
		SeqNum:     binary.BigEndian.Uint32(data[4:8]),
		AckNum:     binary.BigEndian.Uint32(data[8:12]),
		SYN:        flags&flagSYN != 0,
		ACK:        flags&flagACK != 0,
		FIN:        flags&flagFIN != 0,
	}
	if len(data) > headerSize {
		p.Payload = append([]byte(nil), data[headerSize:]...)
	}

	if !p.Valid() {
		return PDU{}, fmt.Errorf("pdu: invalid packet: no flags and no payload")
	}
	return p, nil
}
