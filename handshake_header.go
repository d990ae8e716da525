package mps

import "encoding/binary"

// handshakeHeaderSize is the on-wire size of a DTLS-shaped handshake
// fragment header: type(1) + length(3) + message_seq(2) +
// fragment_offset(3) + fragment_length(3) = 12 bytes.
const handshakeHeaderSize = 12

// handshakeHeader is the L3 handshake fragment header (spec §3
// "Handshake message (datagram)").
type handshakeHeader struct {
	Type            uint8
	Length          uint32 // uint24: total message length
	MessageSequence uint16
	FragmentOffset  uint32 // uint24
	FragmentLength  uint32 // uint24
}

func (h *handshakeHeader) Marshal() ([]byte, error) {
	out := make([]byte, handshakeHeaderSize)
	out[0] = h.Type
	putUint24(out[1:4], h.Length)
	binary.BigEndian.PutUint16(out[4:6], h.MessageSequence)
	putUint24(out[6:9], h.FragmentOffset)
	putUint24(out[9:12], h.FragmentLength)
	return out, nil
}

func (h *handshakeHeader) Unmarshal(data []byte) error {
	if len(data) < handshakeHeaderSize {
		return errBufferTooSmall
	}
	h.Type = data[0]
	h.Length = getUint24(data[1:4])
	h.MessageSequence = binary.BigEndian.Uint16(data[4:6])
	h.FragmentOffset = getUint24(data[6:9])
	h.FragmentLength = getUint24(data[9:12])
	return nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// isWholeMessage reports whether this fragment is in fact the entire
// message in one piece (spec §4.5 step 2: "no-fragmentation" fast path).
func (h *handshakeHeader) isWholeMessage() bool {
	return h.FragmentOffset == 0 && h.FragmentLength == h.Length
}
