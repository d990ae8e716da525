package mps

// reassembler owns the 1+K reassembly slots: slot 0 holds the next
// expected handshake message, slots 1..K buffer messages that arrived
// ahead of schedule (spec §4.5).
type reassembler struct {
	slots        []reassemblySlot
	nextExpected uint16

	detect *detectionSet
	epochs *epochTable
}

type slotState uint8

const (
	slotEmpty slotState = iota
	slotNoFragmentation
	slotWindowed
)

// reassemblySlot is one entry of the reassembly arena. buf/have are left
// nil/empty until the first partial fragment for the slot arrives (spec
// §9 "arena of fixed-size slots plus an on-demand heap buffer").
type reassemblySlot struct {
	state slotState

	epoch           uint16
	handshakeType   uint8
	totalLength     uint32
	messageSequence uint16

	// slotNoFragmentation: a copy of the single whole-message fragment from
	// L3, kept for as long as nothing else arrives for this seq.
	whole []byte

	// slotWindowed: owned buffer and per-byte presence bitmask.
	buf       []byte
	have      []bool
	haveCount uint32
}

func newReassembler(futureBuffers int, detect *detectionSet) *reassembler {
	return &reassembler{
		slots:  make([]reassemblySlot, futureBuffers+1),
		detect: detect,
	}
}

// withEpochs attaches the epoch table a slot's epoch is ref-counted
// against (spec §3 epoch lifecycle); called once, right after construction.
func (r *reassembler) withEpochs(epochs *epochTable) *reassembler {
	r.epochs = epochs
	return r
}

// complete reports whether slot 0 holds every byte of its message.
func (r *reassembler) complete() bool {
	s := &r.slots[0]
	switch s.state {
	case slotNoFragmentation:
		return true
	case slotWindowed:
		return s.haveCount == s.totalLength
	default:
		return false
	}
}

// current returns slot 0's reassembled message, valid only when complete
// reports true.
func (r *reassembler) current() (handshakeType uint8, totalLength uint32, messageSequence uint16, epoch uint16, payload []byte) {
	s := &r.slots[0]
	if s.state == slotNoFragmentation {
		return s.handshakeType, s.totalLength, s.messageSequence, s.epoch, s.whole
	}
	return s.handshakeType, s.totalLength, s.messageSequence, s.epoch, s.buf
}

// consume clears slot 0, shifts every other slot down by one, and
// advances next_expected (spec §4.5 "message-available event"). The epoch
// slot 0 held a reference to is released; a reassembly slot elsewhere in
// the window that references the same epoch keeps it alive independently.
func (r *reassembler) consume() {
	if r.epochs != nil && r.slots[0].state != slotEmpty {
		r.epochs.unref(r.slots[0].epoch)
	}
	r.slots[0] = reassemblySlot{}
	copy(r.slots, r.slots[1:])
	r.slots[len(r.slots)-1] = reassemblySlot{}
	r.nextExpected++
}

// feed hands a single handshake fragment from L3 to the reassembler (spec
// §4.5 steps 1-6). It returns (routedToDetection, error); the caller
// should check complete() afterward regardless of the return value.
func (r *reassembler) feed(m *inboundMessage) (bool, error) {
	seq := m.MessageSequence

	if seq < r.nextExpected {
		if r.detect != nil && r.detect.has(m.Epoch, seq) {
			r.detect.observe(m.Epoch, seq)
			return true, nil
		}
		return false, nil // a stale, untracked duplicate: drop
	}

	idx := int(seq - r.nextExpected)
	if idx >= len(r.slots) {
		return false, nil // beyond our future-buffer budget: drop
	}
	slot := &r.slots[idx]

	if m.FragmentOffset+m.FragmentLength > m.TotalLength {
		return false, &layerError{layer: layerL4, err: errFragmentOverflow}
	}

	switch slot.state {
	case slotEmpty:
		if r.epochs != nil {
			r.epochs.ref(m.Epoch)
		}
		if m.FragmentOffset == 0 && m.FragmentLength == m.TotalLength {
			slot.state = slotNoFragmentation
			slot.epoch = m.Epoch
			slot.handshakeType = m.HandshakeType
			slot.totalLength = m.TotalLength
			slot.messageSequence = seq
			slot.whole = append([]byte(nil), m.Payload...)
			return false, nil
		}
		r.openWindow(slot, m)
		return false, r.mergeWindowed(slot, m)

	case slotNoFragmentation:
		if slot.epoch != m.Epoch || slot.handshakeType != m.HandshakeType || slot.totalLength != m.TotalLength {
			return false, &layerError{layer: layerL4, err: errFragmentTypeMismatch}
		}
		whole := slot.whole
		slot.whole = nil
		r.openWindow(slot, m)
		if err := r.writeWindowed(slot, 0, whole); err != nil {
			return false, err
		}
		return false, r.mergeWindowed(slot, m)

	case slotWindowed:
		if slot.epoch != m.Epoch || slot.handshakeType != m.HandshakeType || slot.totalLength != m.TotalLength {
			return false, &layerError{layer: layerL4, err: errFragmentTypeMismatch}
		}
		return false, r.mergeWindowed(slot, m)
	}
	return false, nil
}

func (r *reassembler) openWindow(slot *reassemblySlot, m *inboundMessage) {
	slot.state = slotWindowed
	slot.epoch = m.Epoch
	slot.handshakeType = m.HandshakeType
	slot.totalLength = m.TotalLength
	slot.messageSequence = m.MessageSequence
	slot.buf = make([]byte, m.TotalLength)
	slot.have = make([]bool, m.TotalLength)
	slot.haveCount = 0
}

func (r *reassembler) mergeWindowed(slot *reassemblySlot, m *inboundMessage) error {
	return r.writeWindowed(slot, m.FragmentOffset, m.Payload)
}

// writeWindowed copies data into the slot buffer at offset, checking that
// any already-present byte at an overlapping position agrees (spec §4.5
// step 4).
func (r *reassembler) writeWindowed(slot *reassemblySlot, offset uint32, data []byte) error {
	for i, b := range data {
		pos := offset + uint32(i)
		if pos >= uint32(len(slot.buf)) {
			return &layerError{layer: layerL4, err: errFragmentOverflow}
		}
		if slot.have[pos] {
			if slot.buf[pos] != b {
				return &layerError{layer: layerL4, err: errFragmentByteMismatch}
			}
			continue
		}
		slot.buf[pos] = b
		slot.have[pos] = true
		slot.haveCount++
	}
	return nil
}

// detectionSet is the retransmission-detection record of spec §4.4: the
// (epoch, handshake sequence number) pairs of the last fully-received
// incoming flight, each tagged enabled/on-hold.
type detectionSet struct {
	entries map[detectionKey]bool // true = enabled, false = on-hold
	onTrigger func()
}

type detectionKey struct {
	epoch uint16
	seq   uint16
}

func newDetectionSet(onTrigger func()) *detectionSet {
	return &detectionSet{entries: make(map[detectionKey]bool), onTrigger: onTrigger}
}

// reset replaces the tracked set with the messages of a newly completed
// incoming flight, all starting enabled.
func (d *detectionSet) reset(keys []detectionKey) {
	d.entries = make(map[detectionKey]bool, len(keys))
	for _, k := range keys {
		d.entries[k] = true
	}
}

func (d *detectionSet) has(epoch uint16, seq uint16) bool {
	_, ok := d.entries[detectionKey{epoch, seq}]
	return ok
}

// observe applies spec §4.4's retransmission-detection logic to a repeat
// record for a key already in the set.
func (d *detectionSet) observe(epoch uint16, seq uint16) {
	key := detectionKey{epoch, seq}
	enabled, ok := d.entries[key]
	if !ok {
		return
	}
	if enabled {
		for k := range d.entries {
			d.entries[k] = k == key
		}
		if d.onTrigger != nil {
			d.onTrigger()
		}
		return
	}
	d.entries[key] = true
}
