package mps

import (
	"github.com/pion/logging"
)

// recordLayer is L2: it frames records on the wire, applies/removes AEAD
// protection under a named epoch, enforces replay protection, coalesces
// outbound messages of the same content type and epoch into a record up
// to the configured maximum, and (for datagrams) coalesces records into a
// datagram where space allows (spec §4.2).
type recordLayer struct {
	transport Transport
	mode      Mode
	epochs    *epochTable
	log       logging.LeveledLogger

	maxRecordPayload int // cap on plaintext bytes per record
	maxDatagramSize  int // cap on bytes per L1 Send

	// write side: the record currently being filled.
	writeOpen       bool
	writeType       ContentType
	writeEpoch      uint16
	writePlain      []byte
	pendingDatagram []byte // ciphertext records already closed, awaiting flush

	// read side: the most recently unpacked datagram, and our position in it.
	readQueue [][]byte // raw (still-encrypted) on-wire records from the last datagram
	readPos   int

	// the currently open (decrypted, borrowed) read record, if any.
	readOpen   bool
	readHeader recordHeader
	readPlain  []byte
}

func newRecordLayer(t Transport, mode Mode, epochs *epochTable, log logging.LeveledLogger, maxRecordPayload, maxDatagramSize int) *recordLayer {
	return &recordLayer{
		transport:        t,
		mode:             mode,
		epochs:           epochs,
		log:              log,
		maxRecordPayload: maxRecordPayload,
		maxDatagramSize:  maxDatagramSize,
	}
}

// openWrite allocates space in the current outgoing record, opening a new
// one if the content type or epoch differ from what's open, or there's no
// room left (spec §4.2 open_write).
func (r *recordLayer) openWrite(ct ContentType, epoch uint16, lenHint int) (*recordWriteHandle, error) {
	if r.writeOpen && (r.writeType != ct || r.writeEpoch != epoch || r.remainingCapacity() == 0) {
		if err := r.dispatchWrite(false); err != nil {
			return nil, err
		}
	}
	if !r.writeOpen {
		r.writeOpen = true
		r.writeType = ct
		r.writeEpoch = epoch
		r.writePlain = r.writePlain[:0]
	}
	return &recordWriteHandle{rl: r}, nil
}

func (r *recordLayer) remainingCapacity() int {
	return r.maxRecordPayload - len(r.writePlain)
}

// appendWrite is called by recordWriteHandle.Write; it never overruns the
// remaining capacity of the open record (spec §4.2: "a writer that cannot
// overrun remaining capacity").
func (r *recordLayer) appendWrite(p []byte) (int, error) {
	if !r.writeOpen {
		return 0, &InternalError{Err: errBadInput}
	}
	if len(p) > r.remainingCapacity() {
		return 0, errBadInput
	}
	r.writePlain = append(r.writePlain, p...)
	return len(p), nil
}

// dispatchWrite closes the current record region, encrypts it, and
// coalesces it into the pending datagram (spec §4.2 dispatch_write). When
// flush is true it also hands the pending datagram to L1 before returning.
func (r *recordLayer) dispatchWrite(flush bool) error {
	if r.writeOpen && len(r.writePlain) > 0 {
		epoch, ok := r.epochs.get(r.writeEpoch)
		if !ok {
			return &layerError{layer: layerL2, err: errNoSuchEpoch}
		}
		seq, err := epoch.nextWriteSequence()
		if err != nil {
			return &layerError{layer: layerL2, err: err}
		}
		hdr := recordHeader{
			ContentType:    r.writeType,
			Version:        defaultProtocolVersion,
			Epoch:          r.writeEpoch,
			SequenceNumber: seq,
			ContentLen:     uint16(len(r.writePlain)),
		}
		raw, err := r.sealRecord(&hdr, epoch, r.writePlain)
		if err != nil {
			return &layerError{layer: layerL2, err: err}
		}
		if len(r.pendingDatagram)+len(raw) > r.maxDatagramSize && len(r.pendingDatagram) > 0 {
			if err := r.sendPending(); err != nil {
				return err
			}
		}
		r.pendingDatagram = append(r.pendingDatagram, raw...)
	}
	r.writeOpen = false
	r.writePlain = r.writePlain[:0]
	if flush {
		return r.sendPending()
	}
	return nil
}

// sealRecord seals plaintext under epoch's AEAD (or passes it through
// unprotected for the zero epoch, which is always cleartext), using the
// pre-encryption record header as additional authenticated data (spec
// §4.2 AEAD contract).
func (r *recordLayer) sealRecord(hdr *recordHeader, epoch *epochEntry, plaintext []byte) ([]byte, error) {
	aad, err := hdr.Marshal()
	if err != nil {
		return nil, err
	}
	var body []byte
	if epoch.aead == nil {
		body = plaintext
	} else {
		nonce := recordNonce(epoch.nonceBase, hdr.SequenceNumber, epoch.aead.NonceSize())
		body, err = epoch.aead.Encrypt(aad, nonce, plaintext)
		if err != nil {
			return nil, err
		}
	}
	hdr.ContentLen = uint16(len(body))
	out, err := hdr.Marshal()
	if err != nil {
		return nil, err
	}
	return append(out, body...), nil
}

// sendPending hands any records already coalesced into pendingDatagram to
// L1, retrying until the whole buffer has been accepted.
func (r *recordLayer) sendPending() error {
	for len(r.pendingDatagram) > 0 {
		n, err := r.transport.Send(r.pendingDatagram)
		if err != nil {
			return &layerError{layer: layerL2, err: err}
		}
		r.pendingDatagram = r.pendingDatagram[n:]
	}
	return nil
}

// flush forces all prepared records to be handed to L1 (spec §4.2 flush).
func (r *recordLayer) flush() error {
	if err := r.dispatchWrite(false); err != nil {
		return err
	}
	for len(r.pendingDatagram) > 0 {
		n, err := r.transport.Send(r.pendingDatagram)
		if err != nil {
			return &layerError{layer: layerL2, err: err}
		}
		r.pendingDatagram = r.pendingDatagram[n:]
	}
	return nil
}

// recordWriteHandle is the borrowed, single-owner writer returned by
// openWrite.
type recordWriteHandle struct {
	rl *recordLayer
}

func (h *recordWriteHandle) Write(p []byte) (int, error) { return h.rl.appendWrite(p) }
func (h *recordWriteHandle) Remaining() int               { return h.rl.remainingCapacity() }

// openRead pulls the next on-wire record, identifies its epoch, validates
// replay, decrypts, and exposes the plaintext (spec §4.2 open_read). It
// never blocks: the caller owns the read loop and calls openRead again
// once a Dependencies bit it returned via would-block has fired. It
// returns errWouldBlockL1 when L1 has nothing to offer right now. A
// caller that legitimately wants a bounded wait instead of an immediate
// would-block holds its own Transport and calls RecvTimeout directly
// (spec §4.1); this package's own read path never suspends (spec §5).
func (r *recordLayer) openRead() (*recordHeader, []byte, error) {
	for {
		if r.readPos >= len(r.readQueue) {
			if err := r.fillReadQueue(); err != nil {
				return nil, nil, err
			}
		}
		raw := r.readQueue[r.readPos]
		r.readPos++

		hdr, plain, err := r.openRecord(raw)
		if err != nil {
			if r.mode == ModeDatagram {
				r.log.Warnf("L2: dropping record: %v", err)
				continue // anti-DoS: datagram mode discards bad records silently
			}
			return nil, nil, &layerError{layer: layerL2, err: err}
		}
		r.readOpen = true
		r.readHeader = *hdr
		r.readPlain = plain
		return hdr, plain, nil
	}
}

func (r *recordLayer) fillReadQueue() error {
	buf := make([]byte, 65536)
	n, err := r.transport.Recv(buf)
	if err != nil {
		return err
	}
	pkts, err := unpackDatagram(buf[:n])
	if err != nil {
		if r.mode == ModeDatagram {
			r.readQueue, r.readPos = nil, 0
			return errWouldBlockL1 // whole malformed datagram dropped; try again later
		}
		return &layerError{layer: layerL2, err: err}
	}
	r.readQueue, r.readPos = pkts, 0
	return nil
}

// openRecord validates replay and decrypts a single on-wire record.
func (r *recordLayer) openRecord(raw []byte) (*recordHeader, []byte, error) {
	hdr := &recordHeader{}
	if err := hdr.Unmarshal(raw); err != nil {
		return nil, nil, err
	}
	body := raw[recordHeaderSize:]
	if len(body) != int(hdr.ContentLen) {
		return nil, nil, errInvalidRecordStream
	}

	epoch, ok := r.epochs.get(hdr.Epoch)
	if !ok {
		return nil, nil, errNoSuchEpoch
	}

	accept, ok := epoch.replay.Check(hdr.SequenceNumber)
	if !ok {
		return nil, nil, errInvalidRecordStream
	}

	var plain []byte
	if epoch.aead == nil {
		plain = body
	} else {
		aadHeader := *hdr
		aadHeader.ContentLen = uint16(len(body) - epoch.aead.Overhead())
		aad, err := aadHeader.Marshal()
		if err != nil {
			return nil, nil, err
		}
		nonce := recordNonce(epoch.nonceBase, hdr.SequenceNumber, epoch.aead.NonceSize())
		plain, err = epoch.aead.Decrypt(aad, nonce, body)
		if err != nil {
			return nil, nil, err
		}
	}
	accept()
	return hdr, plain, nil
}

// consumeRead releases the borrowed reader over the current record (spec
// §4.2 consume_read).
func (r *recordLayer) consumeRead() {
	r.readOpen = false
	r.readPlain = nil
}
