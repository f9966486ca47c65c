// Package pkt implements the AU wire codec: a fixed 20-byte header plus
// payload, with a XOR parity checksum across four interleaved byte
// lanes. See [Encode] and [Decode].
package pkt

import (
	"encoding/binary"

	"github.com/austream/au"
)

// HeaderSize is the fixed size of an AU header, in bytes.
const HeaderSize = au.HeaderSize

// Header field offsets.
const (
	offSourcePort = 0
	offDestPort   = 2
	offSeq        = 4
	offAck        = 8
	offFlags      = 12
	// offsets 13-15 are reserved, always zero.
	offChecksum = 16
)

// Packet is the decoded representation of an AU segment. Source and
// destination addresses are reconstructed by the caller from the IP
// header of the underlying datagram; they are not carried in the AU
// header itself.
type Packet struct {
	Source, Dest au.Endpoint
	SN           uint32
	AckSN        uint32
	Flags        au.Flags
	Payload      []byte
}

// Encode serializes pkt into buf, which must be at least
// HeaderSize+len(pkt.Payload) bytes, and returns the number of bytes
// written. Source/destination IP addresses are not encoded (only
// ports): the IP layer carries the addresses. The four checksum lanes
// are computed last, over the whole encoded buffer including the
// checksum bytes themselves, so that each lane reads zero when XORed
// back together by the decoder.
func Encode(p Packet, buf []byte) (int, error) {
	n := HeaderSize + len(p.Payload)
	if len(buf) < n {
		return 0, au.ErrSocketError
	}
	for i := 0; i < HeaderSize; i++ {
		buf[i] = 0
	}
	binary.BigEndian.PutUint16(buf[offSourcePort:], p.Source.Port)
	binary.BigEndian.PutUint16(buf[offDestPort:], p.Dest.Port)
	binary.BigEndian.PutUint32(buf[offSeq:], p.SN)
	binary.BigEndian.PutUint32(buf[offAck:], p.AckSN)
	buf[offFlags] = byte(p.Flags)
	copy(buf[HeaderSize:n], p.Payload)

	for lane := 0; lane < 4; lane++ {
		var parity byte
		for i := lane; i < n; i += 4 {
			parity ^= buf[i]
		}
		buf[offChecksum+lane] = parity
	}
	return n, nil
}

// Decode parses an AU packet out of raw, which is the AU header and
// payload only (any IP header must already have been stripped by the
// caller). src and dest supply the IP addresses reconstructed from the
// datagram's IP header; their ports are overwritten from the AU
// header. Decode returns [au.ErrInvalidPacket] if raw is shorter than
// HeaderSize or if any of the four checksum lanes is non-zero.
func Decode(raw []byte, src, dest au.Endpoint) (Packet, error) {
	if len(raw) < HeaderSize {
		return Packet{}, au.ErrInvalidPacket
	}
	for lane := 0; lane < 4; lane++ {
		var parity byte
		for i := lane; i < len(raw); i += 4 {
			parity ^= raw[i]
		}
		if parity != 0 {
			return Packet{}, au.ErrInvalidPacket
		}
	}
	src.Port = binary.BigEndian.Uint16(raw[offSourcePort:])
	dest.Port = binary.BigEndian.Uint16(raw[offDestPort:])
	p := Packet{
		Source: src,
		Dest:   dest,
		SN:     binary.BigEndian.Uint32(raw[offSeq:]),
		AckSN:  binary.BigEndian.Uint32(raw[offAck:]),
		Flags:  au.Flags(raw[offFlags]),
	}
	if len(raw) > HeaderSize {
		p.Payload = append([]byte(nil), raw[HeaderSize:]...)
	}
	return p, nil
}

// String renders a short human-readable summary of the packet, in the
// style of an RFC-exchange trace line.
func (p Packet) String() string {
	return p.Source.String() + " -> " + p.Dest.String() +
		" [" + p.Flags.String() + "] sn=" + itoa(p.SN) + " ack=" + itoa(p.AckSN) +
		" len=" + itoa(uint32(len(p.Payload)))
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
