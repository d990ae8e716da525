package mps

import "time"

// [spec §4.4]
//                      +------+
//                +---->| done |<-----------------------------+
//                |     +------+                              |
//        user begins |                                       |
//        a new flight |                                       |
//                |    \|/                                     |
//                |   +------+   ends-flight, dispatched        |
//                |   | send |--------------------+             |
//                |   +------+                     |             |
//                |       |                        |             |
//                |       | ends-handshake         |             |
//                |      \|/                      \|/            |
//                |  +----------+             +-------+          |
//                +--| finalize |             | await |          | last message
//  bounded expiries  +----------+             +-------+          | of flight
//  with no progress                              |               | consumed
//                                                 | first message  |
//                                                 | of next flight |
//                                                \|/               |
//                                           +---------+            |
//                                           | receive |------------+
//                                           +---------+
//                      timer expiry in receive: stays there (request-resend)
//
// Retransmission substate (orthogonal to the state above): none, resend
// (we are retransmitting our last flight), request-resend (we are asking
// the peer to retransmit by replaying ours).

// FlightState is the flight-level state of the retransmission FSM.
type FlightState uint8

const (
	FlightDone FlightState = iota
	FlightSend
	FlightAwait
	FlightReceive
	FlightFinalize
)

func (s FlightState) String() string {
	switch s {
	case FlightDone:
		return "done"
	case FlightSend:
		return "send"
	case FlightAwait:
		return "await"
	case FlightReceive:
		return "receive"
	case FlightFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// RetransmitSubstate is orthogonal to FlightState (spec §4.4).
type RetransmitSubstate uint8

const (
	RetransmitNone RetransmitSubstate = iota
	RetransmitResend
	RetransmitRequestResend
)

func (s RetransmitSubstate) String() string {
	switch s {
	case RetransmitNone:
		return "none"
	case RetransmitResend:
		return "resend"
	case RetransmitRequestResend:
		return "request-resend"
	default:
		return "unknown"
	}
}

// MessageFlags are set on the read and write path to mark a message's
// position within its flight (spec §6 read_set_flags/write_set_flags).
type MessageFlags uint8

const (
	FlagValid MessageFlags = 1 << iota
	FlagContributesToFlight
	FlagEndsFlight
	FlagEndsHandshake
)

// flightMachine drives FlightState/RetransmitSubstate. It owns the timer
// and the outgoing/retransmission-detection bookkeeping but not the wire
// I/O; the Context calls into it around each read/write/dispatch.
type flightMachine struct {
	state    FlightState
	substate RetransmitSubstate
	timer    Timer
	minTO    time.Duration // retransmit_timeout_min
	maxTO    time.Duration
	curTO    time.Duration

	finalizeRetransmits    int
	maxFinalizeRetransmits int

	outgoing outgoingFlight
	detect   *detectionSet
}

func newFlightMachine(timer Timer, minTO, maxTO time.Duration, maxFinalizeRetransmits int) *flightMachine {
	fm := &flightMachine{
		state:                  FlightDone,
		timer:                  timer,
		minTO:                  minTO,
		maxTO:                  maxTO,
		curTO:                  minTO,
		maxFinalizeRetransmits: maxFinalizeRetransmits,
	}
	fm.detect = newDetectionSet(fm.triggerResend)
	return fm
}

// withEpochs attaches the epoch table the outgoing flight's handles are
// ref-counted against (spec §3 epoch lifecycle); called once, right after
// construction.
func (fm *flightMachine) withEpochs(epochs *epochTable) *flightMachine {
	fm.outgoing.epochs = epochs
	return fm
}

// beginFlight handles the done -> send transition. The Context calls it
// when the user begins writing any handshake message, or a CCS written
// with addsToFlight set.
func (fm *flightMachine) beginFlight() {
	if fm.state == FlightDone {
		fm.state = FlightSend
		fm.outgoing.reset()
		fm.substate = RetransmitNone
	}
}

// endFlight handles send -> await, started once dispatch/flush has
// actually put the flight on the wire.
func (fm *flightMachine) endFlight() {
	if fm.state != FlightSend {
		return
	}
	fm.state = FlightAwait
	fm.armTimer()
}

// endHandshake handles send -> finalize.
func (fm *flightMachine) endHandshake() {
	if fm.state != FlightSend {
		return
	}
	fm.state = FlightFinalize
	fm.finalizeRetransmits = 0
	fm.armTimer()
}

// onFirstOfNextFlight handles await -> receive (spec: "on the first
// successfully reassembled message of the next flight whose sequence
// number matches the expected next-incoming sequence").
func (fm *flightMachine) onFirstOfNextFlight() {
	if fm.state == FlightAwait {
		fm.state = FlightReceive
		fm.resetTimeout()
		fm.armTimer()
	}
}

// onIncomingFlightComplete handles receive -> done, and records the
// retransmission-detection set for the flight just finished.
func (fm *flightMachine) onIncomingFlightComplete(keys []detectionKey) {
	if fm.state == FlightReceive {
		fm.state = FlightDone
		fm.substate = RetransmitNone
		fm.timer.Set(0, 0)
	}
	fm.resetTimeout()
	fm.detect.reset(keys)
}

// abort forces any state -> done, on fatal error or orderly shutdown.
func (fm *flightMachine) abort() {
	fm.state = FlightDone
	fm.substate = RetransmitNone
}

// triggerResend is detectionSet's onTrigger callback: a tracked message
// repeated while its detection entry is enabled means the peer
// retransmitted its whole flight, so we retransmit ours exactly once
// (spec §4.4 "guarantees...at most one of ours").
func (fm *flightMachine) triggerResend() {
	fm.substate = RetransmitResend
}

// poll checks the timer and applies the expiry transitions of spec §4.4.
// It returns true if the caller must now retransmit the outgoing flight.
func (fm *flightMachine) poll() (mustRetransmit bool) {
	if fm.timer.Get() != TimerExpired {
		return false
	}
	switch fm.state {
	case FlightAwait:
		fm.substate = RetransmitResend
		fm.advanceTimeout()
		fm.armTimer()
		return true
	case FlightReceive:
		fm.substate = RetransmitRequestResend
		fm.advanceTimeout()
		fm.armTimer()
		return true
	case FlightFinalize:
		fm.finalizeRetransmits++
		if fm.maxFinalizeRetransmits > 0 && fm.finalizeRetransmits > fm.maxFinalizeRetransmits {
			fm.state = FlightDone
			fm.substate = RetransmitNone
			return false
		}
		fm.advanceTimeout()
		fm.armTimer()
		return true
	default:
		return false
	}
}

func (fm *flightMachine) armTimer() {
	fm.timer.Set(fm.curTO/2, fm.curTO)
}

func (fm *flightMachine) advanceTimeout() {
	next := fm.curTO * 2
	if next > fm.maxTO {
		next = fm.maxTO
	}
	fm.curTO = next
}

func (fm *flightMachine) resetTimeout() {
	fm.curTO = fm.minTO
}

// dependencies reports what external condition would let the flight
// machine make further progress while in await/receive/finalize (spec §6
// read_dependencies): transport readability, since the timer is polled
// rather than awaited.
func (fm *flightMachine) dependencies() Dependencies {
	switch fm.state {
	case FlightAwait, FlightReceive, FlightFinalize:
		return DependencyTransportReadable
	default:
		return DependencyNone
	}
}
