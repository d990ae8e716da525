package mps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutgoingFlightRefsAndUnrefsHandleEpochs(t *testing.T) {
	tbl := newEpochTable()
	e0 := tbl.register(EpochParams{})
	e1 := tbl.register(EpochParams{})

	f := &outgoingFlight{epochs: tbl}
	f.add(newRawRetransmitHandle(e0, 1, 0, []byte("hello")))

	require.NoError(t, tbl.activateRead(e1))
	require.NoError(t, tbl.activateWrite(e1))
	_, ok := tbl.get(e0)
	assert.True(t, ok, "epoch 0 must survive GC while the outgoing flight still references it, e.g. for a Context.Retransmit replay")

	f.reset()
	_, ok = tbl.get(e0)
	assert.False(t, ok, "epoch 0 must be collected once the flight that referenced it is reset")
}
