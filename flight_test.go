package mps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTimer is a Timer collaborator whose state is driven directly by the
// test instead of wall-clock time, so timeout-doubling can be asserted
// without sleeping.
type fakeTimer struct {
	final   time.Duration
	expired bool
}

func (f *fakeTimer) Set(intermediate, final time.Duration) {
	f.final = final
	f.expired = false
}

func (f *fakeTimer) Get() TimerState {
	if f.expired {
		return TimerExpired
	}
	return TimerPreIntermediate
}

func TestFlightMachineTimeoutDoublesAndCaps(t *testing.T) {
	ft := &fakeTimer{}
	fm := newFlightMachine(ft, 1*time.Second, 4*time.Second, 0)

	fm.beginFlight()
	fm.endFlight()
	assert.Equal(t, FlightAwait, fm.state)
	assert.Equal(t, 1*time.Second, ft.final)

	ft.expired = true
	require.True(t, fm.poll())
	assert.Equal(t, 2*time.Second, ft.final, "first expiry doubles min -> 2x min")

	ft.expired = true
	require.True(t, fm.poll())
	assert.Equal(t, 4*time.Second, ft.final, "second expiry doubles again -> 4x min, == max")

	ft.expired = true
	require.True(t, fm.poll())
	assert.Equal(t, 4*time.Second, ft.final, "timeout must not exceed max")
}

func TestFlightMachineProgressResetsTimeout(t *testing.T) {
	ft := &fakeTimer{}
	fm := newFlightMachine(ft, 1*time.Second, 8*time.Second, 0)

	fm.beginFlight()
	fm.endFlight()
	ft.expired = true
	fm.poll() // now at 2s
	require.Equal(t, 2*time.Second, ft.final)

	fm.onFirstOfNextFlight()
	assert.Equal(t, FlightReceive, fm.state)
	assert.Equal(t, 1*time.Second, ft.final, "progress (await->receive) resets timeout to min")
}

func TestFlightMachineFullFlightReceivedResetsTimeout(t *testing.T) {
	ft := &fakeTimer{}
	fm := newFlightMachine(ft, 1*time.Second, 8*time.Second, 0)

	fm.beginFlight()
	fm.endFlight()
	ft.expired = true
	fm.poll() // now at 2s
	require.Equal(t, 2*time.Second, ft.final)

	fm.onFirstOfNextFlight()
	ft.expired = true
	fm.poll() // now at 2s again, from the min the receive transition reset to
	require.Equal(t, 2*time.Second, ft.final)

	fm.onIncomingFlightComplete(nil)
	fm.beginFlight()
	fm.endFlight()
	assert.Equal(t, 1*time.Second, ft.final, "full flight received resets timeout to min for the next exchange")
}

func TestFlightMachineStateTransitions(t *testing.T) {
	ft := &fakeTimer{}
	fm := newFlightMachine(ft, time.Second, time.Second, 0)

	assert.Equal(t, FlightDone, fm.state)
	fm.beginFlight()
	assert.Equal(t, FlightSend, fm.state)
	fm.endFlight()
	assert.Equal(t, FlightAwait, fm.state)

	fm.onFirstOfNextFlight()
	assert.Equal(t, FlightReceive, fm.state)

	fm.onIncomingFlightComplete(nil)
	assert.Equal(t, FlightDone, fm.state)
}

func TestFlightMachineEndHandshakeEntersFinalize(t *testing.T) {
	ft := &fakeTimer{}
	fm := newFlightMachine(ft, time.Second, time.Second, 2)

	fm.beginFlight()
	fm.endHandshake()
	assert.Equal(t, FlightFinalize, fm.state)

	ft.expired = true
	assert.True(t, fm.poll())
	ft.expired = true
	assert.True(t, fm.poll())
	ft.expired = true
	assert.False(t, fm.poll(), "finalize gives up after MaxFinalizeRetransmits expiries")
	assert.Equal(t, FlightDone, fm.state)
}

func TestDetectionTriggersResendSubstate(t *testing.T) {
	ft := &fakeTimer{}
	fm := newFlightMachine(ft, time.Second, time.Second, 0)
	fm.beginFlight()
	fm.endFlight()

	fm.detect.reset([]detectionKey{{epoch: 0, seq: 0}})
	fm.detect.observe(0, 0)
	assert.Equal(t, RetransmitResend, fm.substate)
}
