package nfc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode identifies a failure kind for programmatic handling. The set is
// closed: every expected failure in this package carries one of these codes.
type ErrorCode int

const (
	ErrCodeSessionClosed ErrorCode = iota + 100
	ErrCodeCardRemoved
	ErrCodeConnectFailed
	ErrCodeDisconnectFailed
	ErrCodeTransmitFailed
	ErrCodeStatus
	ErrCodeReadFailed
	ErrCodeUnsupportedTag
	ErrCodeControlFailed
)

// Error provides structured failure information for reader operations.
// Failures are values; nothing in this package panics on an expected
// failure path.
type Error struct {
	Code    ErrorCode
	Op      string    // operation that failed (e.g. "ReadData", "Transmit")
	Status  uint16    // status word, set for ErrCodeStatus and ErrCodeControlFailed
	Family  TagFamily // offending family, set for ErrCodeUnsupportedTag
	Message string
	Cause   error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func NewSessionClosedError(op string) *Error {
	return &Error{Code: ErrCodeSessionClosed, Op: op, Message: "session closed"}
}

// NewCardRemovedError marks the specific "no smartcard" condition: the tag
// physically left the field. Callers distinguish it from generic failures,
// so it is never wrapped in a read error.
func NewCardRemovedError(op string, cause error) *Error {
	return &Error{Code: ErrCodeCardRemoved, Op: op, Message: "card removed", Cause: cause}
}

func NewConnectError(op string, cause error) *Error {
	return &Error{Code: ErrCodeConnectFailed, Op: op, Message: "connect failed", Cause: cause}
}

func NewDisconnectError(op string, cause error) *Error {
	return &Error{Code: ErrCodeDisconnectFailed, Op: op, Message: "disconnect failed", Cause: cause}
}

func NewTransmitError(op string, cause error) *Error {
	return &Error{Code: ErrCodeTransmitFailed, Op: op, Message: "transmit failed", Cause: cause}
}

// NewStatusError records a non-success status word.
func NewStatusError(op string, sw uint16) *Error {
	return &Error{
		Code:    ErrCodeStatus,
		Op:      op,
		Status:  sw,
		Message: fmt.Sprintf("status word %04X", sw),
	}
}

// NewReadError wraps a chunk-level failure of a data read.
func NewReadError(op string, cause error) *Error {
	return &Error{Code: ErrCodeReadFailed, Op: op, Message: "read failed", Cause: cause}
}

// NewUnsupportedTagError reports a family with no data page range. It is
// emitted instead of a card event.
func NewUnsupportedTagError(f TagFamily) *Error {
	return &Error{
		Code:    ErrCodeUnsupportedTag,
		Op:      "Detect",
		Family:  f,
		Message: fmt.Sprintf("unsupported tag family %q", f),
	}
}

func NewControlError(op string, sw uint16) *Error {
	return &Error{
		Code:    ErrCodeControlFailed,
		Op:      op,
		Status:  sw,
		Message: fmt.Sprintf("vendor control failed, status word %04X", sw),
	}
}

// CodeOf extracts the ErrorCode from an error, or 0 if it is not an Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// IsCardRemoved reports whether an error is the card-removed condition.
func IsCardRemoved(err error) bool {
	return CodeOf(err) == ErrCodeCardRemoved
}

// IsSessionClosed reports whether an error came from an operation on a
// closed session or discovery service.
func IsSessionClosed(err error) bool {
	return CodeOf(err) == ErrCodeSessionClosed
}

// IsUnsupportedTag reports whether an error marks a family that cannot be
// read.
func IsUnsupportedTag(err error) bool {
	return CodeOf(err) == ErrCodeUnsupportedTag
}

// StatusWordOf returns the status word carried by a status or control error.
func StatusWordOf(err error) (uint16, bool) {
	var e *Error
	if errors.As(err, &e) && (e.Code == ErrCodeStatus || e.Code == ErrCodeControlFailed) {
		return e.Status, true
	}
	return 0, false
}
