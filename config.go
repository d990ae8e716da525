package mps

import (
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
)

const (
	defaultRetransmitTimeoutMin = 1 * time.Second
	defaultRetransmitTimeoutMax = 60 * time.Second
	defaultMaxFlightLength      = 5
	defaultFutureMessageBuffers = 4
	defaultMaxRecordPayload     = 1200
	defaultMaxDatagramSize      = 1472 // typical Ethernet MTU minus IP/UDP headers
)

// Config configures a Context (spec §6 init(config)). Build one with
// NewConfig and a chain of Options; after it's passed to NewContext it
// must not be modified, the same contract the teacher's dtlsConfig holds.
type Config struct {
	mode Mode

	retransmitTimeoutMin time.Duration
	retransmitTimeoutMax time.Duration
	maxFinalizeRetransmits int

	maxFlightLength      int
	futureMessageBuffers int

	maxRecordPayload int
	maxDatagramSize  int

	loggerFactory logging.LoggerFactory
	timer         Timer
	random        Random

	connectionID uuid.UUID
}

// Option configures a Config, following the functional-options pattern.
type Option func(*Config)

// NewConfig builds a Config with spec-mandated defaults, then applies
// opts in order.
func NewConfig(mode Mode, opts ...Option) *Config {
	c := &Config{
		mode:                   mode,
		retransmitTimeoutMin:   defaultRetransmitTimeoutMin,
		retransmitTimeoutMax:   defaultRetransmitTimeoutMax,
		maxFlightLength:        defaultMaxFlightLength,
		futureMessageBuffers:   defaultFutureMessageBuffers,
		maxRecordPayload:       defaultMaxRecordPayload,
		maxDatagramSize:        defaultMaxDatagramSize,
		loggerFactory:          logging.NewDefaultLoggerFactory(),
		timer:                  newMonotonicTimer(),
		random:                 cryptoRandom{},
		connectionID:           uuid.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithRetransmitTimeout sets the minimum and maximum retransmission
// timeout (spec §6 retransmit_timeout_min_ms/retransmit_timeout_max_ms).
func WithRetransmitTimeout(min, max time.Duration) Option {
	return func(c *Config) {
		c.retransmitTimeoutMin = min
		c.retransmitTimeoutMax = max
	}
}

// WithMaxFlightLength caps the number of messages in one outgoing flight
// (spec §6, default 5); a message beyond the cap is rejected with
// bad-input.
func WithMaxFlightLength(n int) Option {
	return func(c *Config) { c.maxFlightLength = n }
}

// WithFutureMessageBuffers sets K, the number of reassembly slots
// reserved for handshake messages that arrive ahead of schedule (spec
// §6, default 4).
func WithFutureMessageBuffers(k int) Option {
	return func(c *Config) { c.futureMessageBuffers = k }
}

// WithMaxFinalizeRetransmits bounds how many times the flight machine
// retransmits while in the finalize state before giving up and returning
// to done (spec §9 open question: "expose this as a config knob rather
// than hardwire"). Zero means unbounded.
func WithMaxFinalizeRetransmits(n int) Option {
	return func(c *Config) { c.maxFinalizeRetransmits = n }
}

// WithRecordSizing caps plaintext bytes per record and bytes per L1 Send.
func WithRecordSizing(maxRecordPayload, maxDatagramSize int) Option {
	return func(c *Config) {
		c.maxRecordPayload = maxRecordPayload
		c.maxDatagramSize = maxDatagramSize
	}
}

// WithLoggerFactory overrides the logger factory used to build the
// per-Context logging.LeveledLogger.
func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(c *Config) { c.loggerFactory = f }
}

// WithTimer overrides the Timer collaborator; tests use this to inject a
// fake clock instead of monotonicTimer.
func WithTimer(t Timer) Option {
	return func(c *Config) { c.timer = t }
}

// WithRandom overrides the Random collaborator.
func WithRandom(r Random) Option {
	return func(c *Config) { c.random = r }
}

// WithConnectionID pins the connection's correlation ID, overriding the
// one NewConfig generates, for log correlation across a reconnection.
func WithConnectionID(id uuid.UUID) Option {
	return func(c *Config) { c.connectionID = id }
}
