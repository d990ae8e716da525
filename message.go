package mps

// messageLayer is L3: it demultiplexes L2 plaintext into typed messages
// and, for handshake records, splits off the handshake fragment header
// (spec §4.3). It never reassembles fragments; that's the reassembly
// submodule's job, one layer up.
type messageLayer struct {
	rl *recordLayer
}

func newMessageLayer(rl *recordLayer) *messageLayer {
	return &messageLayer{rl: rl}
}

// inboundMessage is what L3 hands to L4: a content-typed payload, with
// fragment fields populated only for ContentTypeHandshake.
type inboundMessage struct {
	ContentType ContentType
	Epoch       uint16
	Payload     []byte // for handshake: the fragment body only, header stripped

	// Valid only when ContentType == ContentTypeHandshake.
	HandshakeType   uint8
	TotalLength     uint32
	MessageSequence uint16
	FragmentOffset  uint32
	FragmentLength  uint32
}

// readMessage pulls the next L2 record, validates its content-type shape,
// and for handshake records splits off the fragment header (spec §4.3).
func (m *messageLayer) readMessage() (*inboundMessage, error) {
	hdr, plain, err := m.rl.openRead()
	if err != nil {
		return nil, err
	}

	if err := validateContentPayload(hdr.ContentType, plain); err != nil {
		m.rl.consumeRead()
		return nil, err
	}

	out := &inboundMessage{
		ContentType: hdr.ContentType,
		Epoch:       hdr.Epoch,
	}

	if hdr.ContentType != ContentTypeHandshake {
		out.Payload = plain
		return out, nil
	}

	var hh handshakeHeader
	if err := hh.Unmarshal(plain); err != nil {
		m.rl.consumeRead()
		return nil, &layerError{layer: layerL3, err: err}
	}
	body := plain[handshakeHeaderSize:]
	if uint32(len(body)) != hh.FragmentLength {
		m.rl.consumeRead()
		return nil, &layerError{layer: layerL3, err: errInvalidRecordStream}
	}
	if hh.FragmentOffset+hh.FragmentLength > hh.Length {
		m.rl.consumeRead()
		return nil, &layerError{layer: layerL3, err: errFragmentOverflow}
	}

	out.HandshakeType = hh.Type
	out.TotalLength = hh.Length
	out.MessageSequence = hh.MessageSequence
	out.FragmentOffset = hh.FragmentOffset
	out.FragmentLength = hh.FragmentLength
	out.Payload = body
	return out, nil
}

// consume releases the L2 reader borrowed by the last readMessage.
func (m *messageLayer) consume() {
	m.rl.consumeRead()
}

// writeNonHandshake frames and dispatches a non-handshake message:
// application data, alert, or change-cipher-spec carry no fragment header
// (spec §3 "Message"). A payload larger than the room left in the current
// record continues in further records, and the reading side sees each of
// those records as a message of its own.
func (m *messageLayer) writeNonHandshake(ct ContentType, epoch uint16, payload []byte) error {
	if err := validateContentPayload(ct, payload); err != nil {
		return err
	}
	w, err := m.rl.openWrite(ct, epoch, len(payload))
	if err != nil {
		return err
	}
	for len(payload) > 0 {
		n := w.Remaining()
		if n == 0 {
			if err := m.rl.dispatchWrite(false); err != nil {
				return err
			}
			w, err = m.rl.openWrite(ct, epoch, len(payload))
			if err != nil {
				return err
			}
			continue
		}
		if n > len(payload) {
			n = len(payload)
		}
		if _, err := w.Write(payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return m.rl.dispatchWrite(true)
}

// writeHandshakeFragment opens a record for ct=handshake under epoch (or
// continues the open one, if it has the same type and epoch and room left)
// and writes one fragment header plus as much body as the record has room
// for (spec §4.4 write-side fragmentation); it returns the number of body
// bytes actually written, which may be less than len(body).
func (m *messageLayer) writeHandshakeFragment(epoch uint16, hh handshakeHeader, body []byte) (int, error) {
	w, err := m.rl.openWrite(ContentTypeHandshake, epoch, handshakeHeaderSize+len(body))
	if err != nil {
		return 0, err
	}
	room := w.Remaining() - handshakeHeaderSize
	if room < 0 {
		return 0, &layerError{layer: layerL3, err: errBufferTooSmall}
	}
	n := len(body)
	if n > room {
		n = room
	}
	hh.FragmentLength = uint32(n)
	raw, err := hh.Marshal()
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(raw); err != nil {
		return 0, err
	}
	if n > 0 {
		if _, err := w.Write(body[:n]); err != nil {
			return 0, err
		}
	}
	return n, nil
}
