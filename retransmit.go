package mps

// retransmitHandle is the per-outgoing-message retransmission record
// (spec §3 "Retransmission handle", §9 "Callback-based retransmission").
// It is a tagged variant so a caller with a large handshake message can
// regenerate it deterministically instead of buffering a copy.
type retransmitHandle struct {
	kind retransmitKind

	epoch           uint16
	handshakeType   uint8
	totalLength     uint32
	messageSequence uint16

	raw []byte

	callback func(ctx interface{}) []byte
	ctx      interface{}
}

type retransmitKind uint8

const (
	retransmitRaw retransmitKind = iota
	retransmitCallback
	retransmitCCS
)

func newRawRetransmitHandle(epoch uint16, handshakeType uint8, seq uint16, body []byte) *retransmitHandle {
	return &retransmitHandle{
		kind:            retransmitRaw,
		epoch:           epoch,
		handshakeType:   handshakeType,
		totalLength:     uint32(len(body)),
		messageSequence: seq,
		raw:             append([]byte(nil), body...),
	}
}

func newCallbackRetransmitHandle(epoch uint16, handshakeType uint8, seq uint16, totalLength uint32, fn func(interface{}) []byte, ctx interface{}) *retransmitHandle {
	return &retransmitHandle{
		kind:            retransmitCallback,
		epoch:           epoch,
		handshakeType:   handshakeType,
		totalLength:     totalLength,
		messageSequence: seq,
		callback:        fn,
		ctx:             ctx,
	}
}

func newCCSRetransmitHandle(epoch uint16) *retransmitHandle {
	return &retransmitHandle{kind: retransmitCCS, epoch: epoch}
}

// body regenerates the handle's cleartext content, calling back into the
// user-supplied generator for the callback variant (spec §9: "the
// callback must be deterministic over its context").
func (h *retransmitHandle) body() []byte {
	switch h.kind {
	case retransmitRaw:
		return h.raw
	case retransmitCallback:
		return h.callback(h.ctx)
	default:
		return nil
	}
}

// outgoingFlight is the set of retransmitHandles sent in one outgoing turn (spec
// §3 "Flight"): a contiguous range of handshake sequence numbers,
// optionally ending in a change-cipher-spec. Each handle holds a reference
// on the epoch it was registered under (spec §3 epoch lifecycle) so
// Context.Retransmit can still replay it under that same epoch even if
// both directions have since moved on and would otherwise make it
// eligible for epochTable.gc.
type outgoingFlight struct {
	messages []*retransmitHandle
	epochs   *epochTable
}

func (f *outgoingFlight) reset() {
	if f.epochs != nil {
		for _, h := range f.messages {
			f.epochs.unref(h.epoch)
		}
	}
	f.messages = f.messages[:0]
}

func (f *outgoingFlight) add(h *retransmitHandle) {
	if f.epochs != nil {
		f.epochs.ref(h.epoch)
	}
	f.messages = append(f.messages, h)
}
