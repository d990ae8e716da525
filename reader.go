package mps

// Reader is the streaming consumer handle bound to the current inbound
// message (spec §4.6). It is single-owner: obtaining a second Reader
// while one is outstanding is a programming error the Context rejects
// with bad-input.
type Reader struct {
	data   []byte
	offset int

	// pause state, saved across a fragmentation boundary (spec §4.6
	// "Pausing"): the logical message this reader belongs to, so a later
	// continuation of the same handshake sequence number is recognized.
	paused         bool
	pausedSequence uint16
}

func newReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Peek returns up to n unconsumed bytes without advancing. It may return
// fewer than n only if the message ends there.
func (r *Reader) Peek(n int) ([]byte, error) {
	if r.offset >= len(r.data) {
		return nil, nil
	}
	end := r.offset + n
	if end > len(r.data) {
		end = len(r.data)
	}
	return r.data[r.offset:end], nil
}

// Advance consumes n bytes; it fails with bad-input if that would run
// past the end of the message.
func (r *Reader) Advance(n int) error {
	if r.offset+n > len(r.data) {
		return errBadInput
	}
	r.offset += n
	return nil
}

// Remaining reports how many unconsumed bytes are left.
func (r *Reader) Remaining() int {
	return len(r.data) - r.offset
}

// pause saves this reader's position, tagged with the handshake sequence
// number it belongs to, so read_handshake can hand it back on the next
// fragment of the same logical message (spec §4.6).
func (r *Reader) pause(seq uint16) {
	r.paused = true
	r.pausedSequence = seq
}

func (r *Reader) pausedFor(seq uint16) bool {
	return r.paused && r.pausedSequence == seq
}
