package mps

import (
	"errors"
	"sync"

	"github.com/pion/logging"
)

// ConnectionState summarizes what a Context can still do (spec §6
// connection_state).
type ConnectionState uint8

const (
	StateOpen ConnectionState = iota
	StateWriteOnly
	StateReadOnly
	StateClosed
	StateBlocked
)

func (s ConnectionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateWriteOnly:
		return "write-only"
	case StateReadOnly:
		return "read-only"
	case StateClosed:
		return "closed"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Context is the Message Processing Stack: the transport-agnostic engine
// between raw record I/O and handshake logic (spec §1). It is the single
// type the TLS state machine above is expected to drive.
//
// An optional coarse mutex serializes the read path, the write path, and
// a timer tick that might arrive on a different flow of control (spec
// §5); everything else about the Context is single-threaded cooperative.
type Context struct {
	mu sync.Mutex

	cfg       *Config
	log       logging.LeveledLogger
	transport Transport
	epochs    *epochTable
	rl        *recordLayer
	ml        *messageLayer
	reasm     *reassembler
	flight    *flightMachine

	state   ConnectionState
	connErr atomicError

	readEpoch  uint16
	writeEpoch uint16

	reader                *Reader
	readerOpen            bool
	readFlags             MessageFlags
	lastReadHandshakeType uint8
	lastReadMessageSeq    uint16
	peeked                *inboundMessage // non-handshake message returned by ReadCheck, not yet consumed
	pendingCCS            bool            // an outstanding ReadCCS is waiting on ReadConsume
	pendingIncomingKeys   []detectionKey  // (epoch, seq) of every contributes/ends-flight message seen since the last completed incoming flight

	writer           *Writer
	writerOpen       bool
	writeFlags       MessageFlags
	pendingFlightEnd MessageFlags
	nextOutgoingSeq  uint16

	closeSent bool
}

// NewContext wires the L1-L4 layers together per cfg (spec §6 init).
func NewContext(transport Transport, cfg *Config) *Context {
	log := cfg.loggerFactory.NewLogger("mps")
	epochs := newEpochTable()
	epochs.register(EpochParams{}) // epoch 0 is always cleartext and active from the start (spec §3 "Epoch")
	rl := newRecordLayer(transport, cfg.mode, epochs, log, cfg.maxRecordPayload, cfg.maxDatagramSize)
	ctx := &Context{
		cfg:       cfg,
		log:       log,
		transport: transport,
		epochs:    epochs,
		rl:        rl,
		ml:        newMessageLayer(rl),
		reasm:     newReassembler(cfg.futureMessageBuffers, nil).withEpochs(epochs),
		flight:    newFlightMachine(cfg.timer, cfg.retransmitTimeoutMin, cfg.retransmitTimeoutMax, cfg.maxFinalizeRetransmits).withEpochs(epochs),
		state:     StateOpen,
	}
	ctx.reasm.detect = ctx.flight.detect
	return ctx
}

// SetBio replaces the L1 transport in place (spec §6 set_bio).
func (c *Context) SetBio(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = t
	c.rl.transport = t
}

// RegisterEpoch registers a new set of AEAD parameters and returns its
// epoch id; ownership of params.AEAD transfers to the Context (spec §6
// register_epoch).
func (c *Context) RegisterEpoch(params EpochParams) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs.register(params)
}

// ActivateReadEpoch swaps the live read epoch; already-buffered plaintext
// under other epochs is unaffected (spec §6, §4.2 "Key change").
func (c *Context) ActivateReadEpoch(epoch uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.epochs.activateRead(epoch); err != nil {
		return err
	}
	c.readEpoch = epoch
	c.recomputeOpenState()
	return nil
}

// ActivateWriteEpoch swaps the live write epoch. Records already
// prepared but not flushed are not retroactively re-encrypted (spec §5).
func (c *Context) ActivateWriteEpoch(epoch uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.epochs.activateWrite(epoch); err != nil {
		return err
	}
	c.writeEpoch = epoch
	c.recomputeOpenState()
	return nil
}

// recomputeOpenState derives StateOpen/StateWriteOnly/StateReadOnly from
// which directions have had an epoch activated at all (spec §6
// connection_state: "write-only/read-only arise when one direction's
// epoch activation has outpaced the other"). It never touches
// StateBlocked/StateClosed, which only fail/Close/SendFatalAlert set.
func (c *Context) recomputeOpenState() {
	if c.state == StateBlocked || c.state == StateClosed {
		return
	}
	switch {
	case c.epochs.haveRead && c.epochs.haveWrite:
		c.state = StateOpen
	case c.epochs.haveWrite:
		c.state = StateWriteOnly
	case c.epochs.haveRead:
		c.state = StateReadOnly
	default:
		c.state = StateOpen
	}
}

// blocked reports whether a prior fatal condition has already parked the
// Context (spec §7 propagation policy).
func (c *Context) blocked() bool {
	return c.state == StateBlocked || c.state == StateClosed
}

// fail records a terminal condition, attempts a fatal alert if the peer
// needs to learn of it, and transitions into blocked (spec §7).
func (c *Context) fail(reason string, err error, sendAlert bool, desc AlertDescription) error {
	if c.connErr.load() == nil {
		c.connErr.store(&errorState{Reason: reason, Detail: err})
	}
	c.state = StateBlocked
	c.flight.abort()
	if sendAlert && !c.closeSent {
		_ = c.sendAlertLocked(AlertLevelFatal, desc)
	}
	return err
}

// noteFailure classifies err per spec §7's propagation policy and, for
// anything but want-read/want-write, parks the Context in blocked,
// attempting a fatal alert first when the peer needs to learn of it. Every
// L2/L3/L4 error reaching here arrives wrapped in a *layerError, so
// classification unwraps with errors.As rather than type-switching on the
// concrete error, the way the teacher's own error handling reaches through
// its wrapped net.OpError to classify the underlying cause.
func (c *Context) noteFailure(err error) error {
	var wb *WouldBlockError
	if errors.As(err, &wb) {
		return err
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return c.fail("fatal error", fe, true, AlertHandshakeFailure)
	}
	var ie *InternalError
	if errors.As(err, &ie) {
		return c.fail("internal error", ie, false, AlertInternalError)
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return c.fail("retransmission timeout exhausted", te, false, AlertCloseNotify)
	}
	var ae *AlertError
	if errors.As(err, &ae) {
		return c.fail("alert", ae, false, AlertCloseNotify)
	}
	return err
}

// ErrorState reports the reason/detail of the terminal condition that
// parked the Context, if any (spec §6 error_state). It reads connErr
// without the coarse lock, the way the teacher's getConnErr lets a
// concurrent timer tick observe failure without contending on the main
// path (spec §5).
func (c *Context) ErrorState() *errorState {
	if err := c.connErr.load(); err != nil {
		es, _ := err.(*errorState)
		return es
	}
	return nil
}

// ConnState reports the Context's connection_state (spec §6).
func (c *Context) ConnState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ---- read side ----

// ReadCheck peeks at the next record's content type without consuming it,
// returning ok=false if nothing is available right now (spec §6
// read_check).
func (c *Context) ReadCheck() (ContentType, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocked() {
		return 0, false, ErrClosed
	}
	if c.peeked != nil {
		return c.peeked.ContentType, true, nil
	}
	m, err := c.readNext()
	if err != nil {
		var wb *WouldBlockError
		if errors.As(err, &wb) {
			return 0, false, nil
		}
		return 0, false, err
	}
	// Non-handshake messages have nowhere else to live between the peek and
	// the typed read that follows: cache a copy so readNext hands the same
	// message back next time instead of pulling a fresh one off L2. A
	// handshake message stays reassembled in the reassembler's slot 0 until
	// ReadConsume, so it needs no separate cache here.
	if m.ContentType != ContentTypeHandshake {
		cached := *m
		cached.Payload = append([]byte(nil), m.Payload...)
		c.peeked = &cached
	}
	return m.ContentType, true, nil
}

// readNext pulls and reassembles (for handshake) the next deliverable
// message, driving the flight machine's receive-side transitions. It
// never blocks (spec §5): a caller that wants a bounded wait instead of
// an immediate would-block holds its own Transport and calls
// RecvTimeout directly (spec §4.1).
func (c *Context) readNext() (*inboundMessage, error) {
	if c.peeked != nil {
		m := c.peeked
		c.peeked = nil
		return m, nil
	}
	if c.reasm.complete() {
		ht, total, seq, epoch, payload := c.reasm.current()
		return &inboundMessage{
			ContentType:     ContentTypeHandshake,
			Epoch:           epoch,
			Payload:         payload,
			HandshakeType:   ht,
			TotalLength:     total,
			MessageSequence: seq,
		}, nil
	}

	for {
		m, err := c.ml.readMessage()
		if err != nil {
			return nil, c.noteFailure(err)
		}
		if m.ContentType != ContentTypeHandshake {
			c.ml.consume()
			return m, nil
		}

		routedToDetection, err := c.reasm.feed(m)
		c.ml.consume()
		if err != nil {
			return nil, c.noteFailure(err)
		}
		if routedToDetection {
			continue
		}
		if c.reasm.complete() {
			c.flight.onFirstOfNextFlight()
			ht, total, seq, epoch, payload := c.reasm.current()
			return &inboundMessage{
				ContentType:     ContentTypeHandshake,
				Epoch:           epoch,
				Payload:         payload,
				HandshakeType:   ht,
				TotalLength:     total,
				MessageSequence: seq,
			}, nil
		}
		// fragment accepted but message still incomplete: loop for more.
	}
}

// ReadApplication returns a Reader over the next application-data
// message (spec §6 read_application).
func (c *Context) ReadApplication() (*Reader, error) {
	return c.readTyped(ContentTypeApplicationData)
}

// ReadAlert returns the two-byte (level, description) of the next alert
// record (spec §6 read_alert).
func (c *Context) ReadAlert() (AlertLevel, AlertDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocked() {
		return 0, 0, ErrClosed
	}
	if c.readerOpen {
		return 0, 0, c.noteFailure(errHandleOutstanding)
	}
	m, err := c.readNext()
	if err != nil {
		return 0, 0, err
	}
	if m.ContentType != ContentTypeAlert {
		return 0, 0, c.noteFailure(errNotHandshakeMessage)
	}
	return AlertLevel(m.Payload[0]), AlertDescription(m.Payload[1]), nil
}

func (c *Context) readTyped(ct ContentType) (*Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocked() {
		return nil, ErrClosed
	}
	if c.readerOpen {
		return nil, c.noteFailure(errHandleOutstanding)
	}
	m, err := c.readNext()
	if err != nil {
		return nil, err
	}
	if m.ContentType != ct {
		return nil, c.noteFailure(errNotHandshakeMessage)
	}
	c.reader = newReader(m.Payload)
	c.readerOpen = true
	return c.reader, nil
}

// ReadHandshake returns the type, total length, and a Reader over the
// next fully-reassembled handshake message (spec §6 read_handshake). If a
// Reader paused on this same sequence number is outstanding, it is handed
// back instead of a fresh one.
func (c *Context) ReadHandshake() (handshakeType uint8, totalLength uint32, reader *Reader, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocked() {
		return 0, 0, nil, ErrClosed
	}
	if c.readerOpen {
		return 0, 0, nil, c.noteFailure(errHandleOutstanding)
	}
	m, err := c.readNext()
	if err != nil {
		return 0, 0, nil, err
	}
	if m.ContentType != ContentTypeHandshake {
		return 0, 0, nil, c.noteFailure(errNotHandshakeMessage)
	}
	if c.reader != nil && c.reader.pausedFor(m.MessageSequence) {
		c.reader.paused = false
	} else {
		c.reader = newReader(m.Payload)
	}
	c.readerOpen = true
	c.lastReadHandshakeType = m.HandshakeType
	c.lastReadMessageSeq = m.MessageSequence
	return m.HandshakeType, m.TotalLength, c.reader, nil
}

// ReadCCS consumes the next change-cipher-spec record the way ReadAlert
// consumes an alert: there is no variable payload worth exposing through a
// Reader, just the fact that one arrived (spec §6 read union, §3 "the four
// non-reassembled message types"). Unlike an alert, a CCS can carry
// contributes-to-flight/ends-flight flags (spec §6 write_ccs's addsToFlight
// is CCS's write-side counterpart), so ReadCCS leaves readerOpen set and
// defers flight bookkeeping to ReadConsume, the same as a handshake read.
func (c *Context) ReadCCS() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocked() {
		return ErrClosed
	}
	if c.readerOpen {
		return c.noteFailure(errHandleOutstanding)
	}
	m, err := c.readNext()
	if err != nil {
		return err
	}
	if m.ContentType != ContentTypeChangeCipherSpec {
		return c.noteFailure(errNotHandshakeMessage)
	}
	c.readerOpen = true
	c.pendingCCS = true
	return nil
}

// ReadSetFlags records the flight-position flags of the just-read message
// (spec §6 read_set_flags).
func (c *Context) ReadSetFlags(flags MessageFlags) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readFlags = flags
}

// ReadPause saves the outstanding Reader's position for a later call to
// ReadHandshake on the same logical message (spec §6 read_pause, §4.6).
// After ReadAlert/ReadCCS, which never open a Reader, it fails with
// bad-input.
func (c *Context) ReadPause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.readerOpen || c.reader == nil || c.pendingCCS {
		return c.noteFailure(errBadInput)
	}
	c.reader.pause(c.lastReadMessageSeq)
	c.readerOpen = false
	return nil
}

// ReadConsume releases the outstanding Reader, advances the reassembler
// past a consumed handshake message and, if the message was flagged
// ends-flight, completes the incoming flight in the flight machine (spec
// §6 read_consume, §4.4 receive -> done, §4.5 step 6). Every
// contributes-to-flight/ends-flight message consumed since the last
// completed incoming flight is accumulated in pendingIncomingKeys, so a
// peer flight of several messages retransmitted only in part still matches
// a tracked (epoch, seq) key (spec §4.4).
func (c *Context) ReadConsume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.readerOpen {
		return c.noteFailure(errBadInput)
	}
	c.readerOpen = false
	if c.reader != nil {
		c.reader.paused = false
	}

	if c.reasm.complete() {
		_, _, seq, epoch, _ := c.reasm.current()
		c.reasm.consume()
		if c.readFlags&(FlagContributesToFlight|FlagEndsFlight) != 0 {
			c.pendingIncomingKeys = append(c.pendingIncomingKeys, detectionKey{epoch: epoch, seq: seq})
		}
		if c.readFlags&FlagEndsFlight != 0 {
			keys := c.pendingIncomingKeys
			c.pendingIncomingKeys = nil
			c.flight.onIncomingFlightComplete(keys)
		}
	} else if c.pendingCCS {
		c.pendingCCS = false
		if c.readFlags&FlagEndsFlight != 0 {
			keys := c.pendingIncomingKeys
			c.pendingIncomingKeys = nil
			c.flight.onIncomingFlightComplete(keys)
		}
	}
	return nil
}

// ReadDependencies reports which L1 conditions would let a blocked read
// make progress (spec §6 read_dependencies). While the flight machine is
// waiting only on its retransmission timer, no L1 condition alone helps;
// the caller must also re-poll Tick.
func (c *Context) ReadDependencies() Dependencies {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.flight.dependencies(); d != DependencyNone {
		return d
	}
	return DependencyTransportReadable
}

// ---- write side ----

// WriteApplication opens a Writer for an application-data message (spec
// §6 write_application). Application data never fragments.
func (c *Context) WriteApplication() (*Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocked() {
		return nil, ErrClosed
	}
	if c.writerOpen {
		return nil, c.noteFailure(errHandleOutstanding)
	}
	c.writer = &Writer{ctx: c, epoch: c.writeEpoch, contentType: ContentTypeApplicationData, lengthKnown: false}
	c.writerOpen = true
	return c.writer, nil
}

// WriteHandshake opens a Writer for a handshake message of declared
// length (or unknown, allowing at most one record's worth). retransmit,
// if non-nil, is stashed as the retransmission handle for this message
// instead of buffering the raw body (spec §6 write_handshake, §9
// "Callback-based retransmission").
func (c *Context) WriteHandshake(handshakeType uint8, length uint32, lengthKnown bool, retransmit func(interface{}) []byte, retransmitCtx interface{}) (*Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocked() {
		return nil, ErrClosed
	}
	if c.writerOpen {
		return nil, c.noteFailure(errHandleOutstanding)
	}
	c.flight.beginFlight()
	if len(c.flight.outgoing.messages) >= c.cfg.maxFlightLength {
		return nil, c.noteFailure(errBadInput)
	}
	seq := c.nextOutgoingSeq
	c.nextOutgoingSeq++

	// Every flighted handshake message needs a retransmission handle
	// (spec §3): callback-kind if the caller supplied a generator,
	// otherwise raw-kind, whose body Dispatch fills in as bytes are
	// actually written to L3.
	var rh *retransmitHandle
	if retransmit != nil {
		rh = newCallbackRetransmitHandle(c.writeEpoch, handshakeType, seq, length, retransmit, retransmitCtx)
	} else {
		rh = newRawRetransmitHandle(c.writeEpoch, handshakeType, seq, nil)
	}
	c.flight.outgoing.add(rh)

	c.writer = &Writer{
		ctx:             c,
		epoch:           c.writeEpoch,
		contentType:     ContentTypeHandshake,
		handshakeType:   handshakeType,
		lengthKnown:     lengthKnown,
		declaredLength:  length,
		messageSequence: seq,
		isHandshake:     true,
		retransmit:      rh,
	}
	c.writerOpen = true
	return c.writer, nil
}

// WriteAlert sends a two-byte alert record immediately (spec §6
// write_alert). Alerts never fragment and are not added to the flight.
func (c *Context) WriteAlert(level AlertLevel, desc AlertDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocked() {
		return ErrClosed
	}
	return c.sendAlertLocked(level, desc)
}

func (c *Context) sendAlertLocked(level AlertLevel, desc AlertDescription) error {
	err := c.ml.writeNonHandshake(ContentTypeAlert, c.writeEpoch, []byte{byte(level), byte(desc)})
	if level == AlertLevelFatal {
		c.closeSent = true
	}
	return err
}

// WriteCCS sends the single-byte change-cipher-spec record (spec §6
// write_ccs). In protocols that flight CCS, it also registers a CCS
// retransmission handle.
func (c *Context) WriteCCS(addsToFlight bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocked() {
		return ErrClosed
	}
	if addsToFlight {
		c.flight.beginFlight()
		if len(c.flight.outgoing.messages) >= c.cfg.maxFlightLength {
			return c.noteFailure(errBadInput)
		}
		c.flight.outgoing.add(newCCSRetransmitHandle(c.writeEpoch))
	}
	return c.ml.writeNonHandshake(ContentTypeChangeCipherSpec, c.writeEpoch, []byte{1})
}

// WriteSetFlags records the just-written message's flight-position
// flags. The matching flight transition (send->await or send->finalize)
// is applied once the flight has actually been dispatched and flushed,
// per spec §4.4, not when the flag is merely set.
func (c *Context) WriteSetFlags(flags MessageFlags) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeFlags = flags
	c.pendingFlightEnd |= flags & (FlagEndsFlight | FlagEndsHandshake)
}

// WritePause is disallowed when the message length is unknown (spec
// §4.6); otherwise it is a no-op placeholder since Writer state already
// lives on the Context and survives across Dispatch calls.
func (c *Context) WritePause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.writerOpen {
		return c.noteFailure(errBadInput)
	}
	if !c.writer.lengthKnown {
		return c.noteFailure(errWriteLengthUnknown)
	}
	return nil
}

// Dispatch flushes the outstanding Writer's pending bytes into one or
// more L3 fragments/records (spec §6 dispatch). For a handshake message
// larger than one record's capacity, it opens successive fragments, each
// carrying the same (sequence, type, total length) and advancing offset
// (spec §4.4 write-side fragmentation).
func (c *Context) Dispatch() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.writerOpen {
		return c.noteFailure(errBadInput)
	}
	w := c.writer
	defer func() {
		c.writerOpen = false
	}()

	if !w.isHandshake {
		pending := w.pendingBytes()
		w.clearPending(len(pending))
		if err := c.ml.writeNonHandshake(w.contentType, w.epoch, pending); err != nil {
			return c.noteFailure(err)
		}
		return nil
	}

	offset := w.written
	fragments := 0
	for len(w.pendingBytes()) > 0 {
		// Fragmentation across records is only defined when the total
		// length was declared up front (spec §4.4): an unknown-length
		// write that doesn't fit in one record has nowhere to put a
		// correct Length header field, so a second fragment fails fast
		// instead of going out with a bogus one.
		if !w.lengthKnown && fragments > 0 {
			return c.noteFailure(errBadInput)
		}
		hh := handshakeHeader{
			Type:            w.handshakeType,
			Length:          w.declaredLength,
			MessageSequence: w.messageSequence,
			FragmentOffset:  offset,
		}
		n, err := c.ml.writeHandshakeFragment(w.epoch, hh, w.pendingBytes())
		if err != nil {
			return c.noteFailure(err)
		}
		if n == 0 {
			return c.noteFailure(errWriteOverrun)
		}
		if w.retransmit != nil && w.retransmit.kind == retransmitRaw {
			w.retransmit.raw = append(w.retransmit.raw, w.pendingBytes()[:n]...)
			w.retransmit.totalLength = uint32(len(w.retransmit.raw))
		}
		w.clearPending(n)
		offset += uint32(n)
		fragments++
	}
	return nil
}

// Flush forces all prepared records to L1 (spec §6 flush). It is the one
// write-path call still permitted after the Context has entered blocked,
// to let a pending fatal alert reach the wire.
func (c *Context) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.rl.flush(); err != nil {
		return c.noteFailure(err)
	}
	if c.pendingFlightEnd&FlagEndsHandshake != 0 {
		c.flight.endHandshake()
	} else if c.pendingFlightEnd&FlagEndsFlight != 0 {
		c.flight.endFlight()
	}
	c.pendingFlightEnd = 0
	return nil
}

// WriteDependencies reports which L1 conditions would let a blocked
// write make progress (spec §6 write_dependencies).
func (c *Context) WriteDependencies() Dependencies {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DependencyTransportWritable
}

// ---- sequence number abstraction-break ----

// GetSequenceNumber reports the record sequence number of the message
// most recently read, for DTLS's HelloVerifyRequest cookie round-trip
// (spec §6, §9 "Abstraction-break on record sequence number").
func (c *Context) GetSequenceNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rl.readHeader.SequenceNumber
}

// ForceSequenceNumber overrides the next outgoing record's sequence
// number on the active write epoch, confined to the same narrow use.
func (c *Context) ForceSequenceNumber(seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.epochs.get(c.writeEpoch)
	if !ok {
		return errNoSuchEpoch
	}
	e.writeSeq = seq
	return nil
}

// ---- timer tick / polling ----

// Tick drives the flight machine's timer check; the caller is expected to
// call this whenever it regains control (spec §5). On expiry it updates
// the retransmission substate and timeout and re-arms the timer; in
// finalize it returns the flight machine to done once the configured
// bound is exceeded. If it returns true, the caller must
// retransmit the outgoing flight (or request-resend) via Retransmit.
func (c *Context) Tick() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flight.poll()
}

// Retransmit replays every retransmitHandle of the current outgoing
// flight (spec §4.4 timer-expiry transitions, §9 "Callback-based
// retransmission").
func (c *Context) Retransmit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.flight.outgoing.messages {
		switch h.kind {
		case retransmitCCS:
			if err := c.ml.writeNonHandshake(ContentTypeChangeCipherSpec, h.epoch, []byte{1}); err != nil {
				return err
			}
		default:
			body := h.body()
			offset := uint32(0)
			for offset < uint32(len(body)) || len(body) == 0 {
				hh := handshakeHeader{
					Type:            h.handshakeType,
					Length:          h.totalLength,
					MessageSequence: h.messageSequence,
					FragmentOffset:  offset,
				}
				n, err := c.ml.writeHandshakeFragment(h.epoch, hh, body[offset:])
				if err != nil {
					return err
				}
				if len(body) == 0 {
					break
				}
				offset += uint32(n)
			}
		}
	}
	return c.rl.flush()
}

// ---- shutdown ----

// SendFatalAlert sends a fatal alert and enters blocked (spec §6
// send_fatal_alert).
func (c *Context) SendFatalAlert(desc AlertDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.sendAlertLocked(AlertLevelFatal, desc)
	c.state = StateBlocked
	c.flight.abort()
	return err
}

// Close is idempotent: a second call returns success without additional
// wire traffic (spec §8 "close() is idempotent").
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	c.flight.abort()
	return nil
}
