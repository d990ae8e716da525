package mps

// ContentType identifies the kind of payload carried by an L2 record.
// https://tools.ietf.org/html/rfc4346#section-6.2.1
type ContentType uint8

// Content types understood by the message layer (L3). These are the only
// four the record layer needs to know about; handshake payload structure
// beyond the fragment header is the caller's concern.
const (
	ContentTypeChangeCipherSpec ContentType = 20
	ContentTypeAlert            ContentType = 21
	ContentTypeHandshake        ContentType = 22
	ContentTypeApplicationData  ContentType = 23
)

func (c ContentType) String() string {
	switch c {
	case ContentTypeChangeCipherSpec:
		return "change-cipher-spec"
	case ContentTypeAlert:
		return "alert"
	case ContentTypeHandshake:
		return "handshake"
	case ContentTypeApplicationData:
		return "application-data"
	default:
		return "unknown"
	}
}

// AlertLevel distinguishes warning from fatal alerts.
type AlertLevel uint8

const (
	AlertLevelWarning AlertLevel = 1
	AlertLevelFatal   AlertLevel = 2
)

// AlertDescription is the one-byte alert value, per RFC 5246 §7.2.
type AlertDescription uint8

const (
	AlertCloseNotify            AlertDescription = 0
	AlertUnexpectedMessage      AlertDescription = 10
	AlertBadRecordMAC           AlertDescription = 20
	AlertDecryptionFailed       AlertDescription = 21
	AlertHandshakeFailure       AlertDescription = 40
	AlertIllegalParameter       AlertDescription = 47
	AlertDecodeError            AlertDescription = 50
	AlertDecryptError           AlertDescription = 51
	AlertInternalError          AlertDescription = 80
)

// validateContentPayload enforces the minimal per-content-type shape
// invariants the message layer is responsible for (spec §4.3): a
// change-cipher-spec record is exactly one byte of value 1, an alert is
// exactly two bytes.
func validateContentPayload(ct ContentType, payload []byte) error {
	switch ct {
	case ContentTypeChangeCipherSpec:
		if len(payload) != 1 || payload[0] != 1 {
			return &layerError{layer: layerL3, err: errInvalidCCSPayload}
		}
	case ContentTypeAlert:
		if len(payload) != 2 {
			return &layerError{layer: layerL3, err: errInvalidAlertPayload}
		}
	}
	return nil
}
