// Package simulate substitutes a terminal UI for physical readers, driving
// the same state aggregation and broadcast path as real hardware.
package simulate

import (
	"encoding/hex"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/openexhibits/tagbridge/nfc"
	"github.com/openexhibits/tagbridge/state"
)

// Reader is a virtual reader. It emits the same event sequence a hardware
// session does, so the state service cannot tell it apart.
type Reader struct {
	name string

	mu       sync.Mutex
	card     *nfc.Card
	closed   bool
	nextID   int
	detected map[int]func()
	cards    map[int]func(nfc.Card)
	removed  map[int]func(nfc.Card)
	errs     map[int]func(error)
	ends     map[int]func()
}

// NewReader creates a virtual reader with the given name.
func NewReader(name string) *Reader {
	return &Reader{
		name:     name,
		detected: make(map[int]func()),
		cards:    make(map[int]func(nfc.Card)),
		removed:  make(map[int]func(nfc.Card)),
		errs:     make(map[int]func(error)),
		ends:     make(map[int]func()),
	}
}

func (r *Reader) Name() string { return r.name }

func (r *Reader) subscribe(reg func(id int), id *int) func() {
	r.mu.Lock()
	*id = r.nextID
	r.nextID++
	reg(*id)
	r.mu.Unlock()
	captured := *id
	return func() {
		r.mu.Lock()
		delete(r.detected, captured)
		delete(r.cards, captured)
		delete(r.removed, captured)
		delete(r.errs, captured)
		delete(r.ends, captured)
		r.mu.Unlock()
	}
}

func (r *Reader) OnCardDetected(fn func()) func() {
	var id int
	return r.subscribe(func(i int) { r.detected[i] = fn }, &id)
}

func (r *Reader) OnCard(fn func(nfc.Card)) func() {
	var id int
	return r.subscribe(func(i int) { r.cards[i] = fn }, &id)
}

func (r *Reader) OnCardRemoved(fn func(nfc.Card)) func() {
	var id int
	return r.subscribe(func(i int) { r.removed[i] = fn }, &id)
}

func (r *Reader) OnError(fn func(error)) func() {
	var id int
	return r.subscribe(func(i int) { r.errs[i] = fn }, &id)
}

func (r *Reader) OnEnd(fn func()) func() {
	var id int
	return r.subscribe(func(i int) { r.ends[i] = fn }, &id)
}

// Close emits end once; a second call reports the reader closed, matching
// hardware session semantics.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nfc.NewSessionClosedError("Close")
	}
	r.closed = true
	ends := snapshotFns(r.ends)
	r.mu.Unlock()

	for _, fn := range ends {
		fn()
	}
	return nil
}

// PlaceTag simulates a tag arriving: detection, then a completed read with
// the class string encoded the way a provisioned tag stores it. The UID is
// random. No-op while a tag is already present.
func (r *Reader) PlaceTag(class string) {
	data, err := state.EncodeClass(class)
	if err != nil {
		r.Fail(nfc.NewReadError("PlaceTag", err))
		return
	}
	r.PlaceRawTag(randomUID(), data)
}

// PlaceRawTag simulates a tag with arbitrary data pages, for driving decode
// failures.
func (r *Reader) PlaceRawTag(uid string, data []byte) {
	card := nfc.Card{UID: uid, Data: data, Family: nfc.FamilyNTAG213}

	r.mu.Lock()
	if r.closed || r.card != nil {
		r.mu.Unlock()
		return
	}
	r.card = &card
	detected := snapshotFns(r.detected)
	cards := snapshotFns(r.cards)
	r.mu.Unlock()

	for _, fn := range detected {
		fn()
	}
	for _, fn := range cards {
		fn(card)
	}
}

// RemoveTag simulates the present tag leaving the field.
func (r *Reader) RemoveTag() {
	r.mu.Lock()
	card := r.card
	r.card = nil
	removed := snapshotFns(r.removed)
	r.mu.Unlock()

	if card == nil {
		return
	}
	for _, fn := range removed {
		fn(*card)
	}
}

// Present reports whether a simulated tag is on the reader.
func (r *Reader) Present() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.card != nil
}

// Fail emits a reader error, clearing any present tag first so the event
// order matches a hardware fault.
func (r *Reader) Fail(err error) {
	r.mu.Lock()
	r.card = nil
	errs := snapshotFns(r.errs)
	r.mu.Unlock()

	for _, fn := range errs {
		fn(err)
	}
}

func snapshotFns[T any](m map[int]T) []T {
	out := make([]T, 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

// randomUID fabricates a 7-byte UID in the same uppercase hex form hardware
// reports.
func randomUID() string {
	id := uuid.New()
	return strings.ToUpper(hex.EncodeToString(id[:7]))
}
