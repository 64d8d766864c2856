package nfc

import (
	"github.com/rs/zerolog/log"
)

// defaultBlink holds the LED timing field for a plain state update: no blink
// cycles, no buzzer link.
var defaultBlink = [4]byte{0x00, 0x00, 0x00, 0x00}

// VendorSession extends a session with the vendor control surface of ACS
// contactless readers: firmware query, LED and buzzer control, and the PICC
// operating parameter. Readers from other vendors get a plain session and
// none of this.
type VendorSession struct {
	*Session

	quietOnDetect bool
	cancelQuiet   func()
}

// NewVendorSession wraps a new session for a reader known to speak the ACS
// vendor command set. When quietOnDetect is set, the session disables the
// reader's buzzer-on-detect once per card-present cycle; a failure to do so
// is logged and never interferes with the read.
func NewVendorSession(ctx ReaderContext, name string, quietOnDetect bool) *VendorSession {
	v := &VendorSession{
		Session:       NewSession(ctx, name),
		quietOnDetect: quietOnDetect,
	}
	if quietOnDetect {
		// cardReady rather than the public detection event: the buzzer
		// command needs the connected handle.
		v.cancelQuiet = v.cardReady.subscribe(func(struct{}) { v.quietBuzzer() })
	}
	return v
}

func (v *VendorSession) quietBuzzer() {
	if err := v.SetBuzzerOnDetect(false); err != nil {
		log.Debug().Str("reader", v.Name()).Err(err).Msg("could not silence buzzer")
	}
}

// FirmwareVersion queries the reader firmware identifier. The reply is a
// bare ASCII string with no status word appended.
func (v *VendorSession) FirmwareVersion() (string, error) {
	raw, err := v.Transmit(FirmwareVersionCommand())
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// SetBuzzerOnDetect enables or disables the buzzer sounding when a tag
// enters the field. Readers without the command reply with a failure status
// word, surfaced as a control error.
func (v *VendorSession) SetBuzzerOnDetect(on bool) error {
	raw, err := v.Transmit(BuzzerDetectCommand(on))
	if err != nil {
		return err
	}
	resp, err := ParseResponse(raw)
	if err != nil {
		return NewControlError("SetBuzzerOnDetect", 0)
	}
	if !resp.OK() {
		return NewControlError("SetBuzzerOnDetect", resp.StatusWord())
	}
	return nil
}

// Control drives the reader LEDs and optionally sounds the buzzer for one
// short beep. The reader echoes the resulting LED state, which is returned.
func (v *VendorSession) Control(leds LedState, buzzer bool) (LedState, error) {
	blink := defaultBlink
	if buzzer {
		// one 100ms cycle with the buzzer linked to the T1 phase
		blink = [4]byte{0x01, 0x00, 0x01, 0x01}
	}
	raw, err := v.Transmit(LEDControlCommand(ledUpdateByte(leds), blink))
	if err != nil {
		return LedState{}, err
	}
	resp, err := ParseResponse(raw)
	if err != nil {
		return LedState{}, NewControlError("Control", 0)
	}
	if resp.SW1 != SW1Success {
		return LedState{}, NewControlError("Control", resp.StatusWord())
	}
	return ledStateFromByte(resp.SW2), nil
}

// OperatingParameter queries the reader's PICC operating parameter. The
// value rides in SW2 of an otherwise successful reply.
func (v *VendorSession) OperatingParameter() (OperatingParameter, error) {
	raw, err := v.Transmit(GetParameterCommand())
	if err != nil {
		return OperatingParameter{}, err
	}
	resp, err := ParseResponse(raw)
	if err != nil {
		return OperatingParameter{}, NewControlError("OperatingParameter", 0)
	}
	if resp.SW1 != SW1Success {
		return OperatingParameter{}, NewControlError("OperatingParameter", resp.StatusWord())
	}
	p := ParameterFromByte(resp.SW2)
	v.recordParameter(p)
	return p, nil
}

// SetOperatingParameter updates the reader's PICC operating parameter and
// returns the value the reader echoed back.
func (v *VendorSession) SetOperatingParameter(p OperatingParameter) (OperatingParameter, error) {
	raw, err := v.Transmit(SetParameterCommand(p.Byte()))
	if err != nil {
		return OperatingParameter{}, err
	}
	resp, err := ParseResponse(raw)
	if err != nil {
		return OperatingParameter{}, NewControlError("SetOperatingParameter", 0)
	}
	if resp.SW1 != SW1Success {
		return OperatingParameter{}, NewControlError("SetOperatingParameter", resp.StatusWord())
	}
	got := ParameterFromByte(resp.SW2)
	v.recordParameter(got)
	return got, nil
}

func (v *VendorSession) recordParameter(p OperatingParameter) {
	v.mu.Lock()
	v.lastParam = &p
	v.mu.Unlock()
}

// Close tears down the vendor extension along with the session.
func (v *VendorSession) Close() error {
	if v.cancelQuiet != nil {
		v.cancelQuiet()
		v.cancelQuiet = nil
	}
	return v.Session.Close()
}
