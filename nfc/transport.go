package nfc

import (
	"errors"
	"fmt"
	"time"

	"github.com/ebfe/scard"
)

// CardHandle abstracts a connected card for testing.
type CardHandle interface {
	Status() (*scard.CardStatus, error)
	Transmit([]byte) ([]byte, error)
	Reconnect(scard.ShareMode, scard.Protocol, scard.Disposition) error
	Disconnect(scard.Disposition) error
}

// ReaderContext abstracts the native reader-enumeration facility for
// testing. The real implementation wraps one PC/SC context whose lifetime is
// owned by the discovery service.
type ReaderContext interface {
	ListReaders() ([]string, error)
	GetStatusChange([]scard.ReaderState, time.Duration) error
	Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (CardHandle, error)
	Cancel() error
	Release() error
}

type realReaderContext struct {
	ctx *scard.Context
}

// NewReaderContext establishes a PC/SC context and wraps it as a
// ReaderContext.
func NewReaderContext() (ReaderContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish PC/SC context: %w", err)
	}
	return &realReaderContext{ctx: ctx}, nil
}

func (r *realReaderContext) ListReaders() ([]string, error) {
	names, err := r.ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	return names, nil
}

func (r *realReaderContext) GetStatusChange(states []scard.ReaderState, timeout time.Duration) error {
	if err := r.ctx.GetStatusChange(states, timeout); err != nil {
		return fmt.Errorf("failed to get status change: %w", err)
	}
	return nil
}

func (r *realReaderContext) Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (CardHandle, error) {
	card, err := r.ctx.Connect(reader, mode, proto)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to reader: %w", err)
	}
	return card, nil
}

func (r *realReaderContext) Cancel() error {
	if err := r.ctx.Cancel(); err != nil {
		return fmt.Errorf("failed to cancel context: %w", err)
	}
	return nil
}

func (r *realReaderContext) Release() error {
	if err := r.ctx.Release(); err != nil {
		return fmt.Errorf("failed to release context: %w", err)
	}
	return nil
}

// isResetCondition reports whether a transmit error is the recoverable
// card-reset artifact of contactless timing.
func isResetCondition(err error) bool {
	return errors.Is(err, scard.ErrResetCard)
}

// isRemovedCondition reports whether an error means the card physically left
// the field. Unlike a reset, this is never retried.
func isRemovedCondition(err error) bool {
	return errors.Is(err, scard.ErrNoSmartcard) ||
		errors.Is(err, scard.ErrRemovedCard) ||
		errors.Is(err, scard.ErrUnpoweredCard)
}
