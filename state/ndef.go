package state

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hsanjuan/go-ndef"
)

// ErrNoClass means the tag data carries no decodable class: no NDEF
// container, no records, or a record of the wrong type.
var ErrNoClass = errors.New("no class record on tag")

// ndefMessageTLV marks the NDEF-message block inside a tag's TLV container;
// ndefTerminator ends the container.
const (
	ndefMessageTLV = 0x03
	ndefTerminator = 0xFE
)

// DecodeClass extracts the class string from a tag's data pages: a
// TLV-wrapped NDEF message holding exactly one well-known text record.
// Anything else is a decode failure. Failures are values; a malformed
// container never panics.
func DecodeClass(data []byte) (string, error) {
	payload := extractMessage(data)
	if payload == nil {
		return "", ErrNoClass
	}

	msg := &ndef.Message{}
	if _, err := msg.Unmarshal(payload); err != nil {
		return "", fmt.Errorf("malformed record container: %w", err)
	}
	if len(msg.Records) != 1 {
		return "", fmt.Errorf("%w: %d records, want 1", ErrNoClass, len(msg.Records))
	}

	rec := msg.Records[0]
	if rec.TNF() != ndef.NFCForumWellKnownType || rec.Type() != "T" {
		return "", fmt.Errorf("%w: record type %q", ErrNoClass, rec.Type())
	}

	recPayload, err := rec.Payload()
	if err != nil {
		return "", fmt.Errorf("malformed record payload: %w", err)
	}
	return decodeTextPayload(recPayload.Marshal())
}

// EncodeClass builds the tag-data image for a class string: the marshalled
// single-text-record message in its TLV wrapper. Used by the simulator and
// by tag provisioning.
func EncodeClass(class string) ([]byte, error) {
	payload, err := ndef.NewTextMessage(class, "en").Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal record container: %w", err)
	}

	var out []byte
	if len(payload) < 0xFF {
		out = append(out, ndefMessageTLV, byte(len(payload)))
	} else {
		out = append(out, ndefMessageTLV, 0xFF, byte(len(payload)>>8), byte(len(payload)))
	}
	out = append(out, payload...)
	out = append(out, ndefTerminator)
	return out, nil
}

// extractMessage scans the TLV container for the NDEF-message block and
// returns its payload, or nil when absent or truncated.
func extractMessage(data []byte) []byte {
	for i := 0; i < len(data); {
		switch data[i] {
		case 0x00: // NULL TLV, no length byte
			i++
		case ndefTerminator:
			return nil
		case ndefMessageTLV:
			return tlvPayload(data, i)
		default:
			// Skip an unknown block by its length field.
			n, next := tlvLength(data, i)
			if next < 0 {
				return nil
			}
			i = next + n
		}
	}
	return nil
}

func tlvPayload(data []byte, offset int) []byte {
	n, next := tlvLength(data, offset)
	if next < 0 || next+n > len(data) {
		return nil
	}
	return data[next : next+n]
}

// tlvLength reads the short or long length field of the block at offset and
// returns the payload length and its start index, or -1 when truncated.
func tlvLength(data []byte, offset int) (n, start int) {
	if offset+1 >= len(data) {
		return 0, -1
	}
	if data[offset+1] != 0xFF {
		return int(data[offset+1]), offset + 2
	}
	if offset+4 > len(data) {
		return 0, -1
	}
	return int(binary.BigEndian.Uint16(data[offset+2 : offset+4])), offset + 4
}

// decodeTextPayload strips the status byte and language code of a text
// record.
func decodeTextPayload(payload []byte) (string, error) {
	if len(payload) < 1 {
		return "", errors.New("text payload too short")
	}
	langLen := int(payload[0] & 0x3F)
	if len(payload) < 1+langLen {
		return "", errors.New("text payload shorter than its language code")
	}
	return string(payload[1+langLen:]), nil
}
