// Package mps implements the Message Processing Stack: the
// transport-agnostic engine that sits between raw record I/O and a TLS or
// DTLS handshake state machine.
//
// The stack is layered bottom to top:
//
//	L1 Transport  - datagram/stream send, recv, recv-with-timeout, timer
//	L2 Record     - framing, epoch-keyed AEAD, replay protection, coalescing
//	L3 Message    - typed demux, handshake header split
//	L4 Flight     - DTLS flight tracking, reassembly, retransmission
//
// It deliberately does not parse handshake payloads, derive key schedules,
// validate certificates, or implement a TLS state machine; those are the
// job of the caller. The stack consumes three narrow collaborator
// contracts instead: AEAD, Random and Timer.
package mps
