package state

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openexhibits/tagbridge/nfc"
)

// fakeReader scripts session events for service tests.
type fakeReader struct {
	name string

	mu       sync.Mutex
	detected []func()
	cards    []func(nfc.Card)
	removed  []func(nfc.Card)
	errs     []func(error)
	ends     []func()
	closed   bool
}

func newFakeReader(name string) *fakeReader {
	return &fakeReader{name: name}
}

func (f *fakeReader) Name() string { return f.name }

func (f *fakeReader) OnCardDetected(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detected = append(f.detected, fn)
	return func() {}
}

func (f *fakeReader) OnCard(fn func(nfc.Card)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards = append(f.cards, fn)
	return func() {}
}

func (f *fakeReader) OnCardRemoved(fn func(nfc.Card)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, fn)
	return func() {}
}

func (f *fakeReader) OnError(fn func(error)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, fn)
	return func() {}
}

func (f *fakeReader) OnEnd(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, fn)
	return func() {}
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, fn := range f.ends {
		fn()
	}
	return nil
}

func (f *fakeReader) placeTag(c nfc.Card) {
	f.mu.Lock()
	detected := append([]func(){}, f.detected...)
	cards := append([]func(nfc.Card){}, f.cards...)
	f.mu.Unlock()
	for _, fn := range detected {
		fn()
	}
	for _, fn := range cards {
		fn(c)
	}
}

func (f *fakeReader) removeTag(c nfc.Card) {
	f.mu.Lock()
	removed := append([]func(nfc.Card){}, f.removed...)
	f.mu.Unlock()
	for _, fn := range removed {
		fn(c)
	}
}

func (f *fakeReader) fail(err error) {
	f.mu.Lock()
	errs := append([]func(error){}, f.errs...)
	f.mu.Unlock()
	for _, fn := range errs {
		fn(err)
	}
}

func twoRoleService() (*Service, *fakeReader, *fakeReader) {
	svc := NewService([]RoleBinding{
		{Role: "left", ReaderMatch: "Reader 00"},
		{Role: "right", ReaderMatch: "Reader 01"},
	})
	left := newFakeReader("ACS ACR122U PICC Reader 00")
	right := newFakeReader("ACS ACR122U PICC Reader 01")
	return svc, left, right
}

func taggedCard(t *testing.T, uid, class string) nfc.Card {
	t.Helper()
	data, err := EncodeClass(class)
	require.NoError(t, err)
	return nfc.Card{UID: uid, Data: data, Family: nfc.FamilyNTAG213}
}

func TestServiceInitialSnapshotAllAbsent(t *testing.T) {
	svc, _, _ := twoRoleService()
	snap := svc.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, KindAbsent, snap["left"].State)
	assert.Equal(t, KindAbsent, snap["right"].State)
}

func TestServiceRoleBinding(t *testing.T) {
	svc, left, right := twoRoleService()
	assert.True(t, svc.Bind(left))
	assert.True(t, svc.Bind(right))
	assert.False(t, svc.Bind(left), "rebinding a bound reader")
	assert.False(t, svc.Bind(newFakeReader("Unrelated Reader 77")), "no matching role")
}

func TestServiceTagLifecycle(t *testing.T) {
	svc, left, right := twoRoleService()
	require.True(t, svc.Bind(left))
	require.True(t, svc.Bind(right))

	var mu sync.Mutex
	var seen []Snapshot
	svc.OnSnapshot(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	card := taggedCard(t, "04A22B6A1C7080", "red-sculpture")
	left.placeTag(card)

	mu.Lock()
	require.Len(t, seen, 2, "reading then present")
	assert.Equal(t, KindReading, seen[0]["left"].State)
	assert.Equal(t, KindPresent, seen[1]["left"].State)
	require.NotNil(t, seen[1]["left"].Token)
	assert.Equal(t, "04A22B6A1C7080", seen[1]["left"].Token.ID)
	assert.Equal(t, "red-sculpture", seen[1]["left"].Token.Class)
	// The other role rides along untouched in every broadcast.
	assert.Equal(t, KindAbsent, seen[1]["right"].State)
	mu.Unlock()

	left.removeTag(card)
	assert.Equal(t, KindAbsent, svc.Snapshot()["left"].State)
}

func TestServiceUndecodableTag(t *testing.T) {
	svc, left, _ := twoRoleService()
	require.True(t, svc.Bind(left))

	left.placeTag(nfc.Card{UID: "AA", Data: make([]byte, 48), Family: nfc.FamilyNTAG213})

	st := svc.Snapshot()["left"]
	require.Equal(t, KindError, st.State)
	require.NotNil(t, st.Err)
	assert.Equal(t, ErrorInvalidData, st.Err.Type)
	assert.NotEmpty(t, st.Err.Details)
}

func TestServiceErrorClassification(t *testing.T) {
	svc, left, _ := twoRoleService()
	require.True(t, svc.Bind(left))

	left.fail(nfc.NewCardRemovedError("Transmit", nil))
	st := svc.Snapshot()["left"]
	require.Equal(t, KindError, st.State)
	assert.Equal(t, ErrorReadInterrupted, st.Err.Type)

	left.fail(nfc.NewTransmitError("Transmit", assert.AnError))
	st = svc.Snapshot()["left"]
	require.Equal(t, KindError, st.State)
	assert.Equal(t, ErrorReader, st.Err.Type)
}

func TestServiceSessionEndFreesRole(t *testing.T) {
	svc, left, _ := twoRoleService()
	require.True(t, svc.Bind(left))
	left.placeTag(taggedCard(t, "AA", "cube"))
	require.Equal(t, KindPresent, svc.Snapshot()["left"].State)

	require.NoError(t, left.Close())
	assert.Equal(t, KindAbsent, svc.Snapshot()["left"].State)

	// The role is free again for the reader's next appearance.
	reborn := newFakeReader("ACS ACR122U PICC Reader 00")
	assert.True(t, svc.Bind(reborn))
}

func TestServiceBroadcastIsClone(t *testing.T) {
	svc, left, _ := twoRoleService()
	require.True(t, svc.Bind(left))

	var got Snapshot
	svc.OnSnapshot(func(s Snapshot) { got = s })
	left.placeTag(taggedCard(t, "AA", "cube"))

	// Mutating the delivered snapshot must not leak into the service.
	got["left"] = Absent()
	assert.Equal(t, KindPresent, svc.Snapshot()["left"].State)
}

func TestServiceCloseStopsUpdates(t *testing.T) {
	svc, left, _ := twoRoleService()
	require.True(t, svc.Bind(left))

	svc.Close()
	left.placeTag(taggedCard(t, "AA", "cube"))
	assert.Equal(t, KindAbsent, svc.Snapshot()["left"].State)
}

// Both roles publish from their own session goroutines. A slow subscriber
// must not let a later change's broadcast overtake an earlier one: the last
// delivery always carries the latest state.
func TestServiceBroadcastOrderUnderConcurrentReaders(t *testing.T) {
	svc, left, right := twoRoleService()
	require.True(t, svc.Bind(left))
	require.True(t, svc.Bind(right))

	entered := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	var delivered []Snapshot
	blocked := false
	svc.OnSnapshot(func(snap Snapshot) {
		mu.Lock()
		first := !blocked
		blocked = true
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
		mu.Lock()
		delivered = append(delivered, snap)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		left.fail(assert.AnError)
	}()
	<-entered
	go func() {
		defer wg.Done()
		right.placeTag(taggedCard(t, "BB", "prism"))
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 3)
	last := delivered[len(delivered)-1]
	assert.Equal(t, KindPresent, last["right"].State)
	assert.Equal(t, svc.Snapshot(), last, "final delivery lags the live state")
}
