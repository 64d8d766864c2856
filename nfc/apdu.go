package nfc

import (
	"errors"
	"fmt"
)

// APDU status words
const (
	SW1Success = 0x90
	SW2Success = 0x00
)

// Command classes and instructions used by the PC/SC pseudo-APDU surface.
const (
	CLAPCSC = 0xFF // PC/SC pseudo-APDU (reader commands)

	INSGetUID       = 0xCA // Get UID
	INSReadBinary   = 0xB0 // Read binary
	INSUpdateBinary = 0xD6 // Update binary
	INSDirectCmd    = 0x00 // Direct transmit (vendor pass-through)

	// Vendor pseudo-instructions live in P1 of the direct-command class.
	VendorFirmware  = 0x48 // Firmware version query
	VendorLED       = 0x40 // LED and buzzer control
	VendorBuzzer    = 0x52 // Buzzer-on-detect enable/disable
	VendorGetParam  = 0x50 // PICC operating parameter query
	VendorSetParam  = 0x51 // PICC operating parameter update
)

// PN532 frame bytes used inside the vendor pass-through. The reader's
// contactless frontend speaks a richer native command set than the generic
// PC/SC transport exposes, so bulk reads ride InCommunicateThru.
const (
	pn532HostToChip    = 0xD4
	pn532ChipToHost    = 0xD5
	pn532CommThru      = 0x42
	pn532CommThruReply = 0x43

	ntagFastRead   = 0x3A
	ntagGetVersion = 0x60
)

// Response represents a parsed command response: the payload bytes followed
// by the two-byte status word.
type Response struct {
	Data []byte
	SW1  byte
	SW2  byte
}

// OK reports whether the response carries the success status word 9000.
func (r Response) OK() bool {
	return r.SW1 == SW1Success && r.SW2 == SW2Success
}

// StatusWord returns the trailing two bytes as one big-endian value.
func (r Response) StatusWord() uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// ParseResponse splits a raw response frame into payload and status word.
func ParseResponse(raw []byte) (Response, error) {
	if len(raw) < 2 {
		return Response{}, errors.New("response too short")
	}
	return Response{
		Data: raw[:len(raw)-2],
		SW1:  raw[len(raw)-2],
		SW2:  raw[len(raw)-1],
	}, nil
}

// ParsePassThrough unwraps a vendor pass-through reply. The payload must
// begin with the chip-to-host reply header and a zero chip status; the inner
// bytes follow.
func ParsePassThrough(payload []byte) ([]byte, error) {
	if len(payload) < 3 {
		return nil, errors.New("pass-through reply too short")
	}
	if payload[0] != pn532ChipToHost || payload[1] != pn532CommThruReply {
		return nil, fmt.Errorf("unexpected pass-through header: %02X %02X", payload[0], payload[1])
	}
	if payload[2] != 0x00 {
		return nil, fmt.Errorf("pass-through chip status: %02X", payload[2])
	}
	return payload[3:], nil
}

// BuildAPDU constructs a command frame from its fixed fields.
func BuildAPDU(cla, ins, p1, p2 byte, data []byte, le *byte) []byte {
	cmd := []byte{cla, ins, p1, p2}
	if len(data) > 0 {
		cmd = append(cmd, byte(len(data)))
		cmd = append(cmd, data...)
	}
	if le != nil {
		cmd = append(cmd, *le)
	}
	return cmd
}

// GetUIDCommand returns the frame that queries the UID of the present tag.
func GetUIDCommand() []byte {
	le := byte(0x00)
	return BuildAPDU(CLAPCSC, INSGetUID, 0x00, 0x00, nil, &le)
}

// ReadPageCommand returns the frame that reads length bytes starting at the
// given data page.
func ReadPageCommand(page, length byte) []byte {
	return BuildAPDU(CLAPCSC, INSReadBinary, 0x00, page, nil, &length)
}

// WritePageCommand returns the frame that writes one data page.
func WritePageCommand(page byte, data []byte) []byte {
	return BuildAPDU(CLAPCSC, INSUpdateBinary, 0x00, page, data, nil)
}

// directCommand wraps a native chip command in the vendor pass-through frame.
func directCommand(inner []byte) []byte {
	wrapped := append([]byte{pn532HostToChip, pn532CommThru}, inner...)
	return BuildAPDU(CLAPCSC, INSDirectCmd, 0x00, 0x00, wrapped, nil)
}

// FastReadCommand returns the frame for the native bulk read of the page
// range [start, end], wrapped in the vendor pass-through.
func FastReadCommand(start, end byte) []byte {
	return directCommand([]byte{ntagFastRead, start, end})
}

// GetVersionCommand returns the frame for the native version query, wrapped
// in the vendor pass-through. The reply distinguishes Ultralight-compatible
// sub-variants by product type and storage size.
func GetVersionCommand() []byte {
	return directCommand([]byte{ntagGetVersion})
}

// FirmwareVersionCommand returns the frame that queries the reader firmware.
// The reply is a bare ASCII string with no status word.
func FirmwareVersionCommand() []byte {
	le := byte(0x00)
	return BuildAPDU(CLAPCSC, INSDirectCmd, VendorFirmware, 0x00, nil, &le)
}

// LEDControlCommand returns the frame that drives the reader LEDs and
// buzzer. state is the bit-packed LED update byte; blink carries the T1/T2
// durations, repetitions and buzzer link field.
func LEDControlCommand(state byte, blink [4]byte) []byte {
	return BuildAPDU(CLAPCSC, INSDirectCmd, VendorLED, state, blink[:], nil)
}

// BuzzerDetectCommand returns the frame that enables or disables the buzzer
// sounding on tag detection.
func BuzzerDetectCommand(on bool) []byte {
	p2 := byte(0x00)
	if on {
		p2 = 0xFF
	}
	le := byte(0x00)
	return BuildAPDU(CLAPCSC, INSDirectCmd, VendorBuzzer, p2, nil, &le)
}

// GetParameterCommand returns the frame that queries the PICC operating
// parameter. The current value is echoed in SW2.
func GetParameterCommand() []byte {
	le := byte(0x00)
	return BuildAPDU(CLAPCSC, INSDirectCmd, VendorGetParam, 0x00, nil, &le)
}

// SetParameterCommand returns the frame that updates the PICC operating
// parameter. The new value is echoed in SW2.
func SetParameterCommand(param byte) []byte {
	le := byte(0x00)
	return BuildAPDU(CLAPCSC, INSDirectCmd, VendorSetParam, param, nil, &le)
}
