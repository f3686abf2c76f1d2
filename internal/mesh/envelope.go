package mesh

import (
	"time"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"meshbridge/internal/constants"
	apperrors "meshbridge/pkg/errors"
)

// Application port numbers carried in the decrypted data frame. Text is the
// only port the bridge forwards; the rest are classified so the pipeline can
// drop them quietly.
const (
	PortUnknown     uint32 = 0
	PortTextMessage uint32 = 1
	PortPosition    uint32 = 3
	PortNodeInfo    uint32 = 4
	PortRouting     uint32 = 5
	PortTelemetry   uint32 = 67
)

// Envelope wire fields (outer bus payload).
const (
	envFieldPacket    = 1
	envFieldChannelID = 2
)

// Packet wire fields.
const (
	pktFieldFrom      = 1
	pktFieldTo        = 2
	pktFieldDecoded   = 4
	pktFieldEncrypted = 5
	pktFieldID        = 6
)

// Data frame wire fields (decrypted payload).
const (
	dataFieldPort    = 1
	dataFieldPayload = 2
)

// DecodeEnvelope parses the raw bus payload into a RawPacket. Packets that
// arrive already decoded (no encrypted payload) come back with an empty
// Payload; the pipeline drops those.
func DecodeEnvelope(b []byte, receivedAt time.Time) (RawPacket, error) {
	var pktBytes []byte
	var channelID string
	sawPacket := false

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case envFieldPacket:
			if typ != protowire.BytesType {
				return apperrors.ErrDecode.WithMessage("envelope packet field has wire type %d", typ)
			}
			pktBytes = v.bytes
			sawPacket = true
		case envFieldChannelID:
			if typ == protowire.BytesType {
				channelID = string(v.bytes)
			}
		}
		return nil
	})
	if err != nil {
		return RawPacket{}, err
	}
	if !sawPacket {
		return RawPacket{}, apperrors.ErrDecode.WithMessage("envelope has no packet field")
	}

	pkt := RawPacket{Channel: channelID, ReceivedAt: receivedAt}
	err = walkFields(pktBytes, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case pktFieldFrom:
			pkt.From = uint32(v.uint())
		case pktFieldTo:
			pkt.To = uint32(v.uint())
		case pktFieldID:
			pkt.PacketID = v.uint()
		case pktFieldEncrypted:
			if typ == protowire.BytesType {
				pkt.Payload = v.bytes
			}
		case pktFieldDecoded:
			// Already-decoded packets carry no ciphertext; leave Payload
			// empty so the pipeline skips them.
		}
		return nil
	})
	if err != nil {
		return RawPacket{}, err
	}

	return pkt, nil
}

// Decoder classifies decrypted payloads into AppMessage variants. It is
// deliberately tolerant: any byte sequence, including the output of
// decrypting with a wrong key, yields a variant and never a panic.
type Decoder struct {
	maxTextLen int
}

func NewDecoder(maxTextLen int) *Decoder {
	if maxTextLen <= 0 {
		maxTextLen = constants.DefaultMaxTextLen
	}
	return &Decoder{maxTextLen: maxTextLen}
}

// Decode parses a decrypted data frame and classifies it. Identity fields on
// a TextMessage come from the packet the payload arrived in.
func (d *Decoder) Decode(plain []byte, pkt RawPacket) AppMessage {
	var port uint64
	var payload []byte

	err := walkFields(plain, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case dataFieldPort:
			if typ != protowire.VarintType {
				return apperrors.ErrDecode.WithMessage("port field has wire type %d", typ)
			}
			port = v.varint
		case dataFieldPayload:
			if typ != protowire.BytesType {
				return apperrors.ErrDecode.WithMessage("payload field has wire type %d", typ)
			}
			payload = v.bytes
		}
		return nil
	})
	if err != nil {
		return Malformed{Reason: "unparseable data frame"}
	}

	if uint32(port) != PortTextMessage {
		return OtherTelemetry{Port: uint32(port)}
	}

	if !utf8.Valid(payload) {
		return Malformed{Reason: "text payload is not valid UTF-8"}
	}
	text := truncateText(string(payload), d.maxTextLen)
	if text == "" {
		return Malformed{Reason: "empty text payload"}
	}

	return TextMessage{
		Text:     text,
		From:     pkt.From,
		To:       pkt.To,
		PacketID: pkt.PacketID,
	}
}

// truncateText bounds s to max bytes without splitting a rune.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

type fieldValue struct {
	varint  uint64
	fixed32 uint32
	fixed64 uint64
	bytes   []byte
}

// uint reads a numeric field regardless of whether the sender used varint or
// fixed encoding. Mesh firmware versions differ here.
func (v fieldValue) uint() uint64 {
	if v.fixed32 != 0 {
		return uint64(v.fixed32)
	}
	if v.fixed64 != 0 {
		return v.fixed64
	}
	return v.varint
}

// walkFields iterates the top-level fields of a wire-format message, passing
// each to fn. Unknown fields are skipped. Returns a DECODE error on any
// malformed input; it never panics.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v fieldValue) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return apperrors.ErrDecode.WithMessage("malformed field tag")
		}
		b = b[n:]

		var v fieldValue
		switch typ {
		case protowire.VarintType:
			val, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return apperrors.ErrDecode.WithMessage("malformed varint in field %d", num)
			}
			v.varint = val
			b = b[m:]
		case protowire.Fixed32Type:
			val, m := protowire.ConsumeFixed32(b)
			if m < 0 {
				return apperrors.ErrDecode.WithMessage("malformed fixed32 in field %d", num)
			}
			v.fixed32 = val
			b = b[m:]
		case protowire.Fixed64Type:
			val, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return apperrors.ErrDecode.WithMessage("malformed fixed64 in field %d", num)
			}
			v.fixed64 = val
			b = b[m:]
		case protowire.BytesType:
			val, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return apperrors.ErrDecode.WithMessage("malformed length-delimited field %d", num)
			}
			v.bytes = val
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return apperrors.ErrDecode.WithMessage("malformed field %d", num)
			}
			b = b[m:]
			continue
		}

		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}
