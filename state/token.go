// Package state aggregates per-reader tag events into one canonical
// role-keyed snapshot and pushes it to WebSocket clients.
package state

import (
	"errors"

	"github.com/ebfe/scard"
	"github.com/openexhibits/tagbridge/nfc"
)

// Token is the application-level identity of a present tag: the hardware
// UID plus the class string decoded from the tag's stored payload.
type Token struct {
	ID    string `json:"id"`
	Class string `json:"class"`
}

// Kind discriminates the four token-state variants.
type Kind string

const (
	KindAbsent  Kind = "absent"
	KindReading Kind = "reading"
	KindPresent Kind = "present"
	KindError   Kind = "error"
)

// ErrorKind classifies a token-state error for clients.
type ErrorKind string

const (
	// ErrorReader covers reader and transport faults.
	ErrorReader ErrorKind = "reader"
	// ErrorReadInterrupted means the tag left the field mid-operation.
	ErrorReadInterrupted ErrorKind = "read-interrupted"
	// ErrorInvalidData means the tag was read but its payload could not
	// be decoded, or the tag family cannot carry a payload at all.
	ErrorInvalidData ErrorKind = "invalid-data"
	// ErrorTimeout means the reader stopped answering in time.
	ErrorTimeout ErrorKind = "timeout"
)

// StateError is the error variant's payload.
type StateError struct {
	Type    ErrorKind `json:"type"`
	Details string    `json:"details"`
}

// TokenState is one role's reported state. Exactly one of Token and Err is
// set, and only for the matching kind.
type TokenState struct {
	State Kind        `json:"state"`
	Token *Token      `json:"token,omitempty"`
	Err   *StateError `json:"error,omitempty"`
}

func Absent() TokenState {
	return TokenState{State: KindAbsent}
}

func Reading() TokenState {
	return TokenState{State: KindReading}
}

func Present(t Token) TokenState {
	return TokenState{State: KindPresent, Token: &t}
}

func Errored(kind ErrorKind, details string) TokenState {
	return TokenState{State: KindError, Err: &StateError{Type: kind, Details: details}}
}

// classifyError maps a session error to the client-facing error taxonomy.
func classifyError(err error) ErrorKind {
	switch {
	case nfc.IsCardRemoved(err):
		return ErrorReadInterrupted
	case nfc.IsUnsupportedTag(err):
		return ErrorInvalidData
	case errors.Is(err, scard.ErrTimeout):
		return ErrorTimeout
	default:
		return ErrorReader
	}
}
