package nfc

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ebfe/scard"
)

func okReply(data []byte) []byte {
	return append(append([]byte(nil), data...), 0x90, 0x00)
}

func passReply(inner []byte) []byte {
	return okReply(append([]byte{0xD5, 0x43, 0x00}, inner...))
}

func versionReply(productType, storageSize byte) []byte {
	return passReply([]byte{0x00, 0x04, productType, 0x01, 0x01, 0x00, storageSize, 0x03})
}

// bareSession builds a session with a pre-connected card and no watcher, for
// exercising the transmit path in isolation.
func bareSession(card CardHandle) *Session {
	return &Session{
		name: "Test Reader",
		stop: make(chan struct{}),
		card: card,
	}
}

func waitCard(t *testing.T, ch <-chan Card) Card {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for card event")
		return Card{}
	}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for error event")
		return nil
	}
}

func TestSessionDetectNTAG213(t *testing.T) {
	card := newMockCard(atrFor(0x03, 0x0003))
	card.respond(GetVersionCommand(), versionReply(0x04, 0x0F))
	card.respond(GetUIDCommand(), okReply([]byte{0x04, 0xA2, 0x2B, 0x6A, 0x1C, 0x70, 0x80}))

	// 36 data pages read in bulk chunks of at most 14 pages.
	pageData := make([]byte, 36*PageSize)
	for i := range pageData {
		pageData[i] = byte(i)
	}
	card.respond(FastReadCommand(4, 17), passReply(pageData[0:56]))
	card.respond(FastReadCommand(18, 31), passReply(pageData[56:112]))
	card.respond(FastReadCommand(32, 39), passReply(pageData[112:144]))

	ctx := newMockContext("Test Reader", card)
	s := NewSession(ctx, "Test Reader")
	defer s.Close()

	detected := make(chan struct{}, 1)
	cards := make(chan Card, 1)
	removed := make(chan Card, 1)
	s.OnCardDetected(func() { detected <- struct{}{} })
	s.OnCard(func(c Card) { cards <- c })
	s.OnCardRemoved(func(c Card) { removed <- c })

	ctx.setPresent(true)

	select {
	case <-detected:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for detection event")
	}

	got := waitCard(t, cards)
	if got.UID != "04A22B6A1C7080" {
		t.Errorf("UID = %q, want 04A22B6A1C7080", got.UID)
	}
	if got.Family != FamilyNTAG213 {
		t.Errorf("Family = %v, want %v", got.Family, FamilyNTAG213)
	}
	if !bytes.Equal(got.Data, pageData) {
		t.Errorf("Data length %d, want %d matching page pattern", len(got.Data), len(pageData))
	}

	if lc := s.LastCard(); lc == nil || lc.UID != got.UID {
		t.Errorf("LastCard() = %+v, want recorded card", lc)
	}

	ctx.setPresent(false)
	gone := waitCard(t, removed)
	if gone.UID != got.UID {
		t.Errorf("removed UID = %q, want %q", gone.UID, got.UID)
	}
	if s.LastCard() != nil {
		t.Error("LastCard() should be nil after removal")
	}
}

func TestSessionDetectSequentialUltralight(t *testing.T) {
	card := newMockCard(atrFor(0x03, 0x0003))
	card.respond(GetVersionCommand(), versionReply(0x03, 0x0B))
	card.respond(GetUIDCommand(), okReply([]byte{0x04, 0x11, 0x22, 0x33}))

	for i := 0; i < 12; i++ {
		page := byte(4 + i)
		card.respond(ReadPageCommand(page, PageSize), okReply([]byte{page, page, page, page}))
	}

	ctx := newMockContext("Test Reader", card)
	s := NewSession(ctx, "Test Reader")
	defer s.Close()

	cards := make(chan Card, 1)
	s.OnCard(func(c Card) { cards <- c })
	ctx.setPresent(true)

	got := waitCard(t, cards)
	if got.Family != FamilyUltralight {
		t.Errorf("Family = %v, want %v", got.Family, FamilyUltralight)
	}
	if len(got.Data) != 12*PageSize {
		t.Fatalf("Data length = %d, want %d", len(got.Data), 12*PageSize)
	}
	for i := 0; i < 12; i++ {
		page := byte(4 + i)
		if !bytes.Equal(got.Data[i*PageSize:(i+1)*PageSize], []byte{page, page, page, page}) {
			t.Errorf("page %d data = % X", page, got.Data[i*PageSize:(i+1)*PageSize])
		}
	}
}

func TestSessionUnsupportedFamily(t *testing.T) {
	card := newMockCard(atrFor(0x03, 0x0001)) // Classic 1K: no data page range
	ctx := newMockContext("Test Reader", card)
	s := NewSession(ctx, "Test Reader")
	defer s.Close()

	cards := make(chan Card, 1)
	errs := make(chan error, 1)
	s.OnCard(func(c Card) { cards <- c })
	s.OnError(func(err error) { errs <- err })
	ctx.setPresent(true)

	err := waitErr(t, errs)
	if !IsUnsupportedTag(err) {
		t.Fatalf("error = %v, want unsupported tag", err)
	}
	select {
	case c := <-cards:
		t.Fatalf("unexpected card event: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
	if s.LastCard() != nil {
		t.Error("LastCard() should stay nil for an unsupported tag")
	}
}

func TestSessionDetectOncePerPresence(t *testing.T) {
	card := newMockCard(atrFor(0x03, 0x0001))
	ctx := newMockContext("Test Reader", card)
	s := NewSession(ctx, "Test Reader")
	defer s.Close()

	errs := make(chan error, 4)
	s.OnError(func(err error) { errs <- err })
	ctx.setPresent(true)

	waitErr(t, errs)
	// The tag stays present; no second detect attempt should run.
	time.Sleep(3 * presenceWatchTimeout)
	if n := ctx.connectCount(); n != 1 {
		t.Errorf("connect count = %d, want 1", n)
	}
}

func TestTransmitRetriesOnceOnReset(t *testing.T) {
	card := newMockCard(nil)
	card.respond(GetUIDCommand(), okReply([]byte{0xAA}))
	card.failNext(scard.ErrResetCard)
	s := bareSession(card)

	raw, err := s.Transmit(GetUIDCommand())
	if err != nil {
		t.Fatalf("Transmit after reset: %v", err)
	}
	if !bytes.Equal(raw, okReply([]byte{0xAA})) {
		t.Errorf("response = % X", raw)
	}
	if card.reconnectCount() != 1 {
		t.Errorf("reconnect count = %d, want 1", card.reconnectCount())
	}
	if card.transmitCount() != 2 {
		t.Errorf("transmit count = %d, want 2", card.transmitCount())
	}
}

func TestTransmitGivesUpOnSecondReset(t *testing.T) {
	card := newMockCard(nil)
	card.failNext(scard.ErrResetCard)
	card.failNext(scard.ErrResetCard)
	s := bareSession(card)

	_, err := s.Transmit(GetUIDCommand())
	if err == nil {
		t.Fatal("expected failure after second reset")
	}
	if card.reconnectCount() != 1 {
		t.Errorf("reconnect count = %d, want exactly 1", card.reconnectCount())
	}
	if card.transmitCount() != 2 {
		t.Errorf("transmit count = %d, want 2", card.transmitCount())
	}
}

func TestTransmitCardRemovedNotRetried(t *testing.T) {
	for _, cause := range []error{scard.ErrNoSmartcard, scard.ErrRemovedCard, scard.ErrUnpoweredCard} {
		card := newMockCard(nil)
		card.failNext(cause)
		s := bareSession(card)

		_, err := s.Transmit(GetUIDCommand())
		if !IsCardRemoved(err) {
			t.Errorf("%v: error = %v, want card removed", cause, err)
		}
		if card.reconnectCount() != 0 {
			t.Errorf("%v: reconnect count = %d, want 0", cause, card.reconnectCount())
		}
		if card.transmitCount() != 1 {
			t.Errorf("%v: transmit count = %d, want 1", cause, card.transmitCount())
		}
	}
}

func TestTransmitAfterClose(t *testing.T) {
	card := newMockCard(atrFor(0x03, 0x0001))
	ctx := newMockContext("Test Reader", card)
	s := NewSession(ctx, "Test Reader")

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if _, err := s.Transmit(GetUIDCommand()); !IsSessionClosed(err) {
		t.Errorf("Transmit after close = %v, want session closed", err)
	}
}

func TestSessionCloseIdempotencyChecked(t *testing.T) {
	card := newMockCard(nil)
	ctx := newMockContext("Test Reader", card)
	s := NewSession(ctx, "Test Reader")

	ends := make(chan struct{}, 2)
	s.OnEnd(func() { ends <- struct{}{} })

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); !IsSessionClosed(err) {
		t.Errorf("second Close = %v, want session closed", err)
	}

	select {
	case <-ends:
	case <-time.After(time.Second):
		t.Fatal("end event never fired")
	}
	select {
	case <-ends:
		t.Fatal("end event fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReadDataUnsupported(t *testing.T) {
	s := bareSession(newMockCard(nil))
	if _, err := s.ReadData(FamilyDESFire); !IsUnsupportedTag(err) {
		t.Errorf("ReadData(DESFire) = %v, want unsupported tag", err)
	}
}

func TestSessionDetectionPrecedesConnectFailure(t *testing.T) {
	card := newMockCard(atrFor(0x03, 0x0001))
	ctx := newMockContext("Test Reader", card)
	ctx.setConnectError(errors.New("sharing violation"))
	s := NewSession(ctx, "Test Reader")
	defer s.Close()

	kinds := make(chan string, 4)
	s.OnCardDetected(func() { kinds <- "detected" })
	s.OnError(func(error) { kinds <- "error" })
	s.OnCard(func(Card) { kinds <- "card" })
	ctx.setPresent(true)

	wait := func() string {
		select {
		case k := <-kinds:
			return k
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for session event")
			return ""
		}
	}
	if k := wait(); k != "detected" {
		t.Fatalf("first event = %q, want detected", k)
	}
	if k := wait(); k != "error" {
		t.Fatalf("second event = %q, want error", k)
	}
	select {
	case k := <-kinds:
		t.Fatalf("unexpected event %q after connect failure", k)
	case <-time.After(100 * time.Millisecond):
	}
}
