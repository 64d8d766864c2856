package nfc

// OperatingParameter is the unpacked PICC operating parameter byte: eight
// independent feature flags controlling polling behaviour and which tag
// standards the reader's frontend detects.
type OperatingParameter struct {
	AutoPolling       bool // bit 7
	AutoATS           bool // bit 6
	ShortPollInterval bool // bit 5: 250ms instead of 500ms
	DetectFeliCa424   bool // bit 4
	DetectFeliCa212   bool // bit 3
	DetectTopaz       bool // bit 2
	DetectISO14443B   bool // bit 1
	DetectISO14443A   bool // bit 0
}

// ParameterFromByte unpacks an operating parameter byte.
func ParameterFromByte(b byte) OperatingParameter {
	return OperatingParameter{
		AutoPolling:       b&0x80 != 0,
		AutoATS:           b&0x40 != 0,
		ShortPollInterval: b&0x20 != 0,
		DetectFeliCa424:   b&0x10 != 0,
		DetectFeliCa212:   b&0x08 != 0,
		DetectTopaz:       b&0x04 != 0,
		DetectISO14443B:   b&0x02 != 0,
		DetectISO14443A:   b&0x01 != 0,
	}
}

// Byte packs the parameter back into its wire form. ParameterFromByte and
// Byte round-trip exactly for all 256 values.
func (p OperatingParameter) Byte() byte {
	var b byte
	if p.AutoPolling {
		b |= 0x80
	}
	if p.AutoATS {
		b |= 0x40
	}
	if p.ShortPollInterval {
		b |= 0x20
	}
	if p.DetectFeliCa424 {
		b |= 0x10
	}
	if p.DetectFeliCa212 {
		b |= 0x08
	}
	if p.DetectTopaz {
		b |= 0x04
	}
	if p.DetectISO14443B {
		b |= 0x02
	}
	if p.DetectISO14443A {
		b |= 0x01
	}
	return b
}

// LedState describes the two LED channels of the reader.
type LedState struct {
	Red   bool
	Green bool
}

// ledUpdateByte packs a LedState into the LED control state byte with both
// update-mask bits set, so the command applies to both channels.
func ledUpdateByte(s LedState) byte {
	b := byte(0x0C)
	if s.Red {
		b |= 0x01
	}
	if s.Green {
		b |= 0x02
	}
	return b
}

// ledStateFromByte reads the current LED state echoed in the low bits of the
// control response's SW2.
func ledStateFromByte(b byte) LedState {
	return LedState{
		Red:   b&0x01 != 0,
		Green: b&0x02 != 0,
	}
}
