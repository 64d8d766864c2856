package nfc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ebfe/scard"
	"github.com/rs/zerolog/log"
)

// presenceWatchTimeout bounds each status-change wait so the watcher can
// notice a closed session.
const presenceWatchTimeout = 250 * time.Millisecond

// maxFastReadPages caps the pages requested per bulk read so the
// pass-through reply (header + data + status word) fits the transport's
// 64-byte frame.
const maxFastReadPages = 14

// Reader is the event surface a session exposes to consumers. Both the
// plain session and the vendor extension satisfy it, as do simulated
// readers.
type Reader interface {
	Name() string
	// OnCardDetected fires when the hardware signals a tag in the field,
	// before identification starts.
	OnCardDetected(fn func()) (cancel func())
	// OnCard fires once identification and data reading complete.
	OnCard(fn func(Card)) (cancel func())
	// OnCardRemoved fires when the tag leaves the field, carrying the
	// previously recorded card for reference.
	OnCardRemoved(fn func(Card)) (cancel func())
	OnError(fn func(error)) (cancel func())
	// OnEnd fires exactly once, when the session is closed.
	OnEnd(fn func()) (cancel func())
	Close() error
}

// Session owns one physical reader handle and drives the tag lifecycle:
// waiting for a tag, identifying it, reading its data pages and reporting
// removal. A session is created by the discovery service when its reader
// appears and destroyed for good when the reader disconnects; there is no
// resurrection.
type Session struct {
	name string
	ctx  ReaderContext

	mu         sync.Mutex
	card       CardHandle
	lastCard   *Card
	lastParam  *OperatingParameter
	closed     bool
	detectDone bool // one detect attempt per presence cycle

	stop chan struct{}
	wg   sync.WaitGroup

	cardDetected emitter[struct{}]
	// cardReady fires once a connected handle exists for the present
	// tag; in-package listeners use it to transmit vendor commands
	// during the detect sequence.
	cardReady   emitter[struct{}]
	cardRead    emitter[Card]
	cardRemoved emitter[Card]
	errs        emitter[error]
	end         emitter[struct{}]
}

// NewSession creates a session for the named reader and starts its presence
// watcher.
func NewSession(ctx ReaderContext, name string) *Session {
	s := &Session{
		name: name,
		ctx:  ctx,
		stop: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.watch()
	return s
}

func (s *Session) Name() string { return s.name }

func (s *Session) OnCardDetected(fn func()) func() { return s.cardDetected.subscribe(func(struct{}) { fn() }) }
func (s *Session) OnCard(fn func(Card)) func()     { return s.cardRead.subscribe(fn) }
func (s *Session) OnCardRemoved(fn func(Card)) func() {
	return s.cardRemoved.subscribe(fn)
}
func (s *Session) OnError(fn func(error)) func() { return s.errs.subscribe(fn) }
func (s *Session) OnEnd(fn func()) func()        { return s.end.subscribe(func(struct{}) { fn() }) }

// LastCard returns the card recorded by the most recent successful detect
// cycle, or nil when no supported tag is present.
func (s *Session) LastCard() *Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCard
}

// LastParameter returns the operating parameter most recently read from or
// written to the reader, if any.
func (s *Session) LastParameter() *OperatingParameter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastParam
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close shuts the session down irrevocably. The first call succeeds, drops
// all listeners and emits end exactly once; further calls return a
// session-closed failure, as does every other operation from then on.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return NewSessionClosedError("Close")
	}
	s.closed = true
	card := s.card
	s.card = nil
	s.lastCard = nil
	close(s.stop)
	s.mu.Unlock()

	if card != nil {
		if err := card.Disconnect(scard.LeaveCard); err != nil {
			log.Debug().Str("reader", s.name).Err(err).Msg("disconnect on close")
		}
	}
	s.wg.Wait()

	s.end.publish(struct{}{})
	s.cardDetected.dropAll()
	s.cardReady.dropAll()
	s.cardRead.dropAll()
	s.cardRemoved.dropAll()
	s.errs.dropAll()
	s.end.dropAll()
	return nil
}

// watch drives the per-reader state machine from hardware presence signals.
// The detect sequence runs to completion before the next transition is
// considered, so detects for one reader never overlap.
func (s *Session) watch() {
	defer s.wg.Done()

	states := []scard.ReaderState{{
		Reader:       s.name,
		CurrentState: scard.StateUnaware,
	}}

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		err := s.ctx.GetStatusChange(states, presenceWatchTimeout)
		if err != nil {
			if s.isClosed() || errors.Is(err, scard.ErrCancelled) {
				return
			}
			if errors.Is(err, scard.ErrTimeout) {
				continue
			}
			s.errs.publish(NewTransmitError("Watch", err))
			// A failing reader usually means it was unplugged; the
			// discovery service notices and closes the session.
			time.Sleep(presenceWatchTimeout)
			continue
		}

		ev := states[0].EventState
		states[0].CurrentState = ev &^ scard.StateChanged
		present := ev&scard.StatePresent != 0

		s.mu.Lock()
		hadCard := s.lastCard != nil
		detectDone := s.detectDone
		s.mu.Unlock()

		switch {
		case present && !detectDone:
			s.mu.Lock()
			s.detectDone = true
			s.mu.Unlock()
			s.detect()

		case !present && detectDone:
			prev := s.clearPresence()
			if hadCard && prev != nil {
				s.cardRemoved.publish(*prev)
			}
		}
	}
}

// clearPresence resets the per-cycle state when the tag leaves the field and
// returns the previously recorded card.
func (s *Session) clearPresence() *Card {
	s.mu.Lock()
	prev := s.lastCard
	s.lastCard = nil
	s.detectDone = false
	card := s.card
	s.card = nil
	s.mu.Unlock()

	if card != nil {
		if err := card.Disconnect(scard.LeaveCard); err != nil {
			log.Debug().Str("reader", s.name).Err(err).Msg("disconnect after removal")
		}
	}
	return prev
}

// detect runs the full identification and read sequence for a newly present
// tag: connect in shared mode, parse the ATR, optionally refine the family,
// fetch the UID, read the data pages and record the resulting card. An
// unsupported family aborts with a typed error and no card event; the tag is
// not recorded as present.
func (s *Session) detect() {
	if s.isClosed() {
		return
	}

	// The hardware present signal is announced before anything else, so a
	// failure below still arrives after the detection event.
	s.cardDetected.publish(struct{}{})

	handle, err := s.ctx.Connect(s.name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		if isRemovedCondition(err) {
			s.errs.publish(NewCardRemovedError("Connect", err))
			return
		}
		s.errs.publish(NewConnectError("Connect", err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = handle.Disconnect(scard.LeaveCard)
		return
	}
	s.card = handle
	s.mu.Unlock()

	s.cardReady.publish(struct{}{})

	status, err := handle.Status()
	if err != nil {
		if isRemovedCondition(err) {
			s.errs.publish(NewCardRemovedError("Status", err))
		} else {
			s.errs.publish(NewConnectError("Status", err))
		}
		return
	}

	id := ParseATR(status.Atr)
	family := id.Family
	if UltralightCompatible(family) {
		family = s.refineFamily(family)
	}

	rng, ok := DataPageRangeFor(family)
	if !ok {
		s.errs.publish(NewUnsupportedTagError(family))
		return
	}

	uid, err := s.readUID()
	if err != nil {
		s.errs.publish(err)
		return
	}

	data, err := s.readData(family, rng)
	if err != nil {
		s.errs.publish(err)
		return
	}

	card := Card{UID: uid, Data: data, Family: family}
	s.mu.Lock()
	s.lastCard = &card
	s.mu.Unlock()

	log.Debug().Str("reader", s.name).Str("uid", uid).Stringer("family", family).Msg("card read")
	s.cardRead.publish(card)
}

// refineFamily issues GET VERSION to distinguish Ultralight-compatible
// sub-variants. A refinement failure keeps the coarse family: the coarse
// identity is still usable.
func (s *Session) refineFamily(coarse TagFamily) TagFamily {
	raw, err := s.Transmit(GetVersionCommand())
	if err != nil {
		return coarse
	}
	resp, err := ParseResponse(raw)
	if err != nil || !resp.OK() {
		return coarse
	}
	inner, err := ParsePassThrough(resp.Data)
	if err != nil {
		return coarse
	}
	return RefineFamily(coarse, inner)
}

// readUID fetches the tag UID as an uppercase hex string.
func (s *Session) readUID() (string, error) {
	raw, err := s.Transmit(GetUIDCommand())
	if err != nil {
		return "", err
	}
	resp, err := ParseResponse(raw)
	if err != nil {
		return "", NewReadError("ReadUID", err)
	}
	if !resp.OK() {
		return "", NewStatusError("ReadUID", resp.StatusWord())
	}
	return strings.ToUpper(hex.EncodeToString(resp.Data)), nil
}

// ReadData reads the full data page range for a family, picking the bulk
// strategy when the chip supports it and sequential page reads otherwise.
// Both strategies return exactly Count*PageSize bytes.
func (s *Session) ReadData(family TagFamily) ([]byte, error) {
	rng, ok := DataPageRangeFor(family)
	if !ok {
		return nil, NewUnsupportedTagError(family)
	}
	return s.readData(family, rng)
}

func (s *Session) readData(family TagFamily, rng DataPageRange) ([]byte, error) {
	if SupportsFastRead(family) {
		return s.readBulk(rng)
	}
	return s.readSequential(rng)
}

// readBulk issues as many chunked bulk reads as needed, each capped at
// maxFastReadPages, and trims the concatenated output to the exact range
// size. A card-removed failure passes through unwrapped so callers can tell
// it apart from a generic read failure.
func (s *Session) readBulk(rng DataPageRange) ([]byte, error) {
	need := int(rng.Count) * PageSize
	buf := make([]byte, 0, need)

	for off := 0; off < int(rng.Count); off += maxFastReadPages {
		n := int(rng.Count) - off
		if n > maxFastReadPages {
			n = maxFastReadPages
		}
		start := byte(int(rng.Start) + off)
		end := byte(int(start) + n - 1)

		raw, err := s.Transmit(FastReadCommand(start, end))
		if err != nil {
			if IsCardRemoved(err) {
				return nil, err
			}
			return nil, NewReadError("FastRead", err)
		}
		resp, err := ParseResponse(raw)
		if err != nil {
			return nil, NewReadError("FastRead", err)
		}
		if !resp.OK() {
			return nil, NewReadError("FastRead", NewStatusError("FastRead", resp.StatusWord()))
		}
		inner, err := ParsePassThrough(resp.Data)
		if err != nil {
			return nil, NewReadError("FastRead", err)
		}
		buf = append(buf, inner...)
	}

	if len(buf) < need {
		return nil, NewReadError("FastRead", errShortRead(len(buf), need))
	}
	return buf[:need], nil
}

// readSequential reads one page per command for families without bulk
// support.
func (s *Session) readSequential(rng DataPageRange) ([]byte, error) {
	need := int(rng.Count) * PageSize
	buf := make([]byte, 0, need)

	for i := 0; i < int(rng.Count); i++ {
		page := byte(int(rng.Start) + i)
		raw, err := s.Transmit(ReadPageCommand(page, PageSize))
		if err != nil {
			if IsCardRemoved(err) {
				return nil, err
			}
			return nil, NewReadError("ReadPage", err)
		}
		resp, err := ParseResponse(raw)
		if err != nil {
			return nil, NewReadError("ReadPage", err)
		}
		if !resp.OK() {
			return nil, NewReadError("ReadPage", NewStatusError("ReadPage", resp.StatusWord()))
		}
		if len(resp.Data) < PageSize {
			return nil, NewReadError("ReadPage", errShortRead(len(resp.Data), PageSize))
		}
		buf = append(buf, resp.Data[:PageSize]...)
	}

	return buf[:need], nil
}

// Transmit sends one command frame to the connected card. Every transmit
// first checks the closed flag. The one recoverable condition is a card
// reset, a normal artifact of contactless timing: the session reconnects
// once and retries the same command once. A card-removed condition, and any
// other failure, surfaces immediately as a typed failure and is never
// retried.
//
// Transmit is not reentrant per reader: the retry logic owns the reader's
// connection state exclusively while it runs.
func (s *Session) Transmit(cmd []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, NewSessionClosedError("Transmit")
	}
	if s.card == nil {
		return nil, NewCardRemovedError("Transmit", nil)
	}

	resp, err := s.card.Transmit(cmd)
	if err == nil {
		return resp, nil
	}

	if isResetCondition(err) {
		if rerr := s.card.Reconnect(scard.ShareShared, scard.ProtocolAny, scard.LeaveCard); rerr != nil {
			return nil, NewConnectError("Transmit", rerr)
		}
		resp, err = s.card.Transmit(cmd)
		if err == nil {
			return resp, nil
		}
	}

	if isRemovedCondition(err) {
		return nil, NewCardRemovedError("Transmit", err)
	}
	return nil, NewTransmitError("Transmit", err)
}

func errShortRead(got, want int) error {
	return fmt.Errorf("short read: got %d bytes, want %d", got, want)
}
