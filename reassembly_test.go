package mps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frag(seq uint16, hsType uint8, total, offset uint32, payload []byte) *inboundMessage {
	return &inboundMessage{
		ContentType:     ContentTypeHandshake,
		HandshakeType:   hsType,
		TotalLength:     total,
		MessageSequence: seq,
		FragmentOffset:  offset,
		FragmentLength:  uint32(len(payload)),
		Payload:         payload,
	}
}

func TestReassemblerWholeMessageFastPath(t *testing.T) {
	r := newReassembler(4, nil)
	body := []byte("hello world")
	_, err := r.feed(frag(0, 1, uint32(len(body)), 0, body))
	require.NoError(t, err)

	require.True(t, r.complete())
	_, _, _, _, got := r.current()
	assert.Equal(t, body, got)
}

func TestReassemblerReorderedFragments(t *testing.T) {
	r := newReassembler(4, nil)
	full := make([]byte, 256)
	for i := range full {
		full[i] = byte(i)
	}

	order := [][2]int{{100, 100}, {0, 100}, {200, 56}}
	for _, o := range order {
		off, ln := o[0], o[1]
		_, err := r.feed(frag(0, 1, 256, uint32(off), full[off:off+ln]))
		require.NoError(t, err)
	}

	require.True(t, r.complete())
	_, total, _, _, got := r.current()
	assert.EqualValues(t, 256, total)
	assert.Equal(t, full, got)
}

func TestReassemblerFutureMessageBuffering(t *testing.T) {
	r := newReassembler(2, nil)

	_, err := r.feed(frag(1, 1, 4, 0, []byte("bbbb")))
	require.NoError(t, err)
	_, err = r.feed(frag(2, 1, 4, 0, []byte("cccc")))
	require.NoError(t, err)
	assert.False(t, r.complete(), "seq 0 has not arrived yet")

	_, err = r.feed(frag(0, 1, 4, 0, []byte("aaaa")))
	require.NoError(t, err)
	require.True(t, r.complete())

	_, _, seq, _, payload := r.current()
	assert.EqualValues(t, 0, seq)
	assert.Equal(t, []byte("aaaa"), payload)
	r.consume()

	require.True(t, r.complete())
	_, _, seq, _, payload = r.current()
	assert.EqualValues(t, 1, seq)
	assert.Equal(t, []byte("bbbb"), payload)
	r.consume()

	require.True(t, r.complete())
	_, _, seq, _, payload = r.current()
	assert.EqualValues(t, 2, seq)
	assert.Equal(t, []byte("cccc"), payload)
}

func TestReassemblerBeyondFutureBudgetIsDropped(t *testing.T) {
	r := newReassembler(2, nil) // K=2: slots for seq 0,1,2

	_, err := r.feed(frag(5, 1, 4, 0, []byte("zzzz"))) // far beyond K
	require.NoError(t, err)
	assert.False(t, r.complete())
}

func TestReassemblerOverlapMismatchIsFatal(t *testing.T) {
	r := newReassembler(4, nil)

	_, err := r.feed(frag(0, 1, 10, 0, []byte("AAAAA")))
	require.NoError(t, err)
	_, err = r.feed(frag(0, 1, 10, 2, []byte("XXXXX"))) // overlaps bytes [2,5) with different content
	require.Error(t, err)
	assert.ErrorIs(t, err, errFragmentByteMismatch)
}

func TestReassemblerTotalLengthMismatchIsFatal(t *testing.T) {
	r := newReassembler(4, nil)

	_, err := r.feed(frag(0, 1, 10, 0, []byte("AAAAA")))
	require.NoError(t, err)
	_, err = r.feed(frag(0, 1, 99, 5, []byte("BBBBB"))) // disagrees on total_len
	assert.ErrorIs(t, err, errFragmentTypeMismatch)
}

func TestReassemblerFragmentOverflowRejected(t *testing.T) {
	r := newReassembler(4, nil)
	_, err := r.feed(frag(0, 1, 10, 8, []byte("ABCDE"))) // offset+len=13 > total_len=10
	assert.ErrorIs(t, err, errFragmentOverflow)
}

func TestReassemblerHoldsEpochReferenceForBufferedFragment(t *testing.T) {
	tbl := newEpochTable()
	e0 := tbl.register(EpochParams{})
	e1 := tbl.register(EpochParams{})

	r := newReassembler(2, nil).withEpochs(tbl)

	// A future message arrives tagged epoch 0 while the connection is
	// still nominally on epoch 0.
	m1 := frag(1, 1, 4, 0, []byte("bbbb"))
	m1.Epoch = e0
	_, err := r.feed(m1)
	require.NoError(t, err)
	assert.False(t, r.complete())

	// Both directions move on to epoch 1; without the slot's reference,
	// epoch 0 would be collected out from under the buffered fragment.
	require.NoError(t, tbl.activateRead(e1))
	require.NoError(t, tbl.activateWrite(e1))
	_, ok := tbl.get(e0)
	assert.True(t, ok, "epoch 0 must survive GC while a reassembly slot still references it")

	m0 := frag(0, 1, 4, 0, []byte("aaaa"))
	m0.Epoch = e0
	_, err = r.feed(m0)
	require.NoError(t, err)
	require.True(t, r.complete())

	r.consume() // releases slot 0's (seq 0) reference; slot 1 (seq 1) still holds one
	_, ok = tbl.get(e0)
	assert.True(t, ok, "epoch 0 must survive while the shifted-in slot still references it")

	require.True(t, r.complete())
	r.consume() // releases the last reference
	_, ok = tbl.get(e0)
	assert.False(t, ok, "epoch 0 must be collected once no slot references it")
}

func TestDetectionSetTriggersAtMostOncePerPeerRetransmission(t *testing.T) {
	triggers := 0
	d := newDetectionSet(func() { triggers++ })
	d.reset([]detectionKey{{epoch: 0, seq: 0}, {epoch: 0, seq: 1}})

	d.observe(0, 0) // first repeat of an enabled entry: triggers, disables the rest
	assert.Equal(t, 1, triggers)

	d.observe(0, 1) // this entry was put on-hold by the trigger above
	assert.Equal(t, 1, triggers, "a second message of the same peer retransmission must not trigger again")

	d.observe(0, 0) // the entry we triggered on stayed enabled, and stays so
	assert.True(t, d.entries[detectionKey{0, 0}])
}
