package mps

import "github.com/pion/transport/v3/replaydetector"

// replayWindowSize is the width of the per-epoch sliding replay window
// (spec §4.2: "a 64-bit sliding bitmask per incoming epoch").
const replayWindowSize = 64

// EpochParams registers one set of AEAD parameters under a new epoch
// (spec §6 register_epoch). Ownership of AEAD transfers to the MPS.
type EpochParams struct {
	AEAD      AEAD
	NonceBase uint64
}

// epochEntry is the registered state for one epoch (spec §3 "Epoch").
type epochEntry struct {
	id        uint16
	aead      AEAD
	nonceBase uint64
	writeSeq  uint64
	replay    replaydetector.ReplayDetector
	refCount  int // reassembly slots / retransmission handles still referencing this epoch
}

// epochTable owns every registered epoch and the two independently
// activated directions. It is not itself safe for concurrent use; the
// owning Context's coarse lock (spec §5) serializes access.
type epochTable struct {
	entries     map[uint16]*epochEntry
	next        uint16
	activeRead  uint16
	activeWrite uint16
	haveRead    bool
	haveWrite   bool
}

func newEpochTable() *epochTable {
	return &epochTable{entries: make(map[uint16]*epochEntry)}
}

func (t *epochTable) register(p EpochParams) uint16 {
	id := t.next
	t.next++
	t.entries[id] = &epochEntry{
		id:        id,
		aead:      p.AEAD,
		nonceBase: p.NonceBase,
		replay:    replaydetector.New(replayWindowSize, maxSequenceNumber),
	}
	return id
}

func (t *epochTable) get(id uint16) (*epochEntry, bool) {
	e, ok := t.entries[id]
	return e, ok
}

func (t *epochTable) activateRead(id uint16) error {
	if _, ok := t.entries[id]; !ok {
		return errNoSuchEpoch
	}
	t.activeRead, t.haveRead = id, true
	t.gc()
	return nil
}

func (t *epochTable) activateWrite(id uint16) error {
	if _, ok := t.entries[id]; !ok {
		return errNoSuchEpoch
	}
	t.activeWrite, t.haveWrite = id, true
	t.gc()
	return nil
}

func (t *epochTable) ref(id uint16) {
	if e, ok := t.entries[id]; ok {
		e.refCount++
	}
}

func (t *epochTable) unref(id uint16) {
	if e, ok := t.entries[id]; ok && e.refCount > 0 {
		e.refCount--
	}
	t.gc()
}

// gc frees any epoch strictly older than both active directions with no
// outstanding references (spec §3 "Epoch" lifecycle).
func (t *epochTable) gc() {
	if !t.haveRead || !t.haveWrite {
		return
	}
	floor := t.activeRead
	if t.activeWrite < floor {
		floor = t.activeWrite
	}
	for id, e := range t.entries {
		if id < floor && e.refCount == 0 {
			delete(t.entries, id)
		}
	}
}

// nextWriteSequence allocates the next strictly-monotonic record sequence
// number for this epoch (spec §3 "Record" invariant, §5 ordering
// guarantee).
func (e *epochEntry) nextWriteSequence() (uint64, error) {
	if e.writeSeq > maxSequenceNumber {
		return 0, errSequenceNumberWrap
	}
	seq := e.writeSeq
	e.writeSeq++
	return seq, nil
}
