package state

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openexhibits/tagbridge/nfc"
)

// RoleBinding ties a role name to readers whose name contains ReaderMatch.
// Matching is case-insensitive.
type RoleBinding struct {
	Role        string
	ReaderMatch string
}

// Service aggregates the tag state of its bound readers into one role-keyed
// snapshot. The snapshot always carries every configured role; roles without
// a bound reader, or whose reader has no tag, report absent. Each state
// change replaces that role's entry and broadcasts the whole snapshot.
type Service struct {
	// dispatchMu serializes mutation through delivery so broadcasts
	// leave in mutation order even when sessions publish concurrently.
	dispatchMu sync.Mutex

	mu       sync.Mutex
	bindings []RoleBinding
	snapshot Snapshot
	bound    map[string]string   // reader name -> role
	unhooks  map[string][]func() // reader name -> event subscription cancels
	unwatch  []func()            // discovery subscription cancels
	closed   bool

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(Snapshot)
}

// NewService creates a service for the given role bindings. Every role
// starts absent.
func NewService(bindings []RoleBinding) *Service {
	snap := make(Snapshot, len(bindings))
	for _, b := range bindings {
		snap[b.Role] = Absent()
	}
	return &Service{
		bindings: bindings,
		snapshot: snap,
		bound:    make(map[string]string),
		unhooks:  make(map[string][]func()),
		subs:     make(map[int]func(Snapshot)),
	}
}

// Attach hooks the service to reader discovery: already-known readers are
// bound immediately, later arrivals as they appear. A reader departing ends
// its session, which frees its role for the next matching reader.
func (s *Service) Attach(d *nfc.Discovery) {
	cancel := d.OnReaderAdded(func(r nfc.Reader) { s.Bind(r) })
	s.mu.Lock()
	s.unwatch = append(s.unwatch, cancel)
	s.mu.Unlock()

	readers, err := d.Readers()
	if err != nil {
		return
	}
	for _, r := range readers {
		s.Bind(r)
	}
}

// Bind assigns the reader to the first free role whose match string occurs
// in the reader name, and reports whether a role was found. A reader that
// matches no free role is left alone.
func (s *Service) Bind(r nfc.Reader) bool {
	name := r.Name()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.bound[name]; ok {
		s.mu.Unlock()
		return false
	}
	role := s.freeRoleLocked(name)
	if role == "" {
		s.mu.Unlock()
		log.Debug().Str("reader", name).Msg("reader matches no free role")
		return false
	}
	s.bound[name] = role
	s.mu.Unlock()

	log.Info().Str("reader", name).Str("role", role).Msg("reader bound to role")

	cancels := []func(){
		r.OnCardDetected(func() {
			s.set(role, Reading())
		}),
		r.OnCard(func(c nfc.Card) {
			s.set(role, tokenStateFor(c))
		}),
		r.OnCardRemoved(func(nfc.Card) {
			s.set(role, Absent())
		}),
		r.OnError(func(err error) {
			if nfc.IsSessionClosed(err) {
				return
			}
			s.set(role, Errored(classifyError(err), err.Error()))
		}),
		r.OnEnd(func() {
			s.unbind(name, role)
		}),
	}

	s.mu.Lock()
	s.unhooks[name] = cancels
	s.mu.Unlock()
	return true
}

// freeRoleLocked returns the first binding, in configuration order, that
// matches the reader name and has no reader yet.
func (s *Service) freeRoleLocked(name string) string {
	lower := strings.ToLower(name)
	taken := make(map[string]bool, len(s.bound))
	for _, role := range s.bound {
		taken[role] = true
	}
	for _, b := range s.bindings {
		if taken[b.Role] {
			continue
		}
		if strings.Contains(lower, strings.ToLower(b.ReaderMatch)) {
			return b.Role
		}
	}
	return ""
}

func (s *Service) unbind(name, role string) {
	s.mu.Lock()
	delete(s.bound, name)
	delete(s.unhooks, name)
	s.mu.Unlock()

	log.Info().Str("reader", name).Str("role", role).Msg("reader unbound from role")
	s.set(role, Absent())
}

// tokenStateFor decodes a read card into its reported state.
func tokenStateFor(c nfc.Card) TokenState {
	class, err := DecodeClass(c.Data)
	if err != nil {
		return Errored(ErrorInvalidData, err.Error())
	}
	return Present(Token{ID: c.UID, Class: class})
}

// set replaces one role's entry and broadcasts a clone of the whole
// snapshot. The live snapshot is mutated only here, and the broadcast for
// one change completes before the next change mutates.
func (s *Service) set(role string, st TokenState) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.snapshot[role] = st
	clone := s.snapshot.Clone()
	s.mu.Unlock()

	s.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(clone)
	}
}

// Snapshot returns a clone of the current aggregate state.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Clone()
}

// OnSnapshot registers a listener for every snapshot broadcast and returns
// its cancel function. Listeners run synchronously on the event goroutine.
func (s *Service) OnSnapshot(fn func(Snapshot)) (cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Close unsubscribes from discovery and from every bound session. Sessions
// themselves stay open; their owner closes them.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unwatch := s.unwatch
	s.unwatch = nil
	unhooks := s.unhooks
	s.unhooks = make(map[string][]func())
	s.bound = make(map[string]string)
	s.mu.Unlock()

	for _, cancel := range unwatch {
		cancel()
	}
	for _, cancels := range unhooks {
		for _, cancel := range cancels {
			cancel()
		}
	}

	s.subMu.Lock()
	s.subs = make(map[int]func(Snapshot))
	s.subMu.Unlock()
}
