package nfc

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ebfe/scard"
	"github.com/rs/zerolog/log"
)

// readerPollInterval paces the reader-list scan. Hotplug events on PC/SC
// are not portable, so discovery polls.
const readerPollInterval = 2 * time.Second

// SessionFactory builds a session for readers it recognizes. Factories are
// consulted in registration order; the first match wins.
type SessionFactory struct {
	// ID names the factory in logs.
	ID string
	// Match reports whether this factory handles the named reader.
	Match func(name string) bool
	// Build creates the session. The returned Reader is owned by the
	// discovery service until the reader disappears.
	Build func(ctx ReaderContext, name string) Reader
}

// acsVendorPrefixes marks readers that speak the ACS vendor command set.
var acsVendorPrefixes = []string{"ACR", "ACS"}

func isACSReader(name string) bool {
	upper := strings.ToUpper(name)
	for _, p := range acsVendorPrefixes {
		if strings.Contains(upper, p) {
			return true
		}
	}
	return false
}

// DefaultFactories returns the standard factory chain: ACS readers get a
// vendor session with the detect buzzer silenced, everything else a plain
// session.
func DefaultFactories(quietBuzzer bool) []SessionFactory {
	return []SessionFactory{
		{
			ID:    "acs-vendor",
			Match: isACSReader,
			Build: func(ctx ReaderContext, name string) Reader {
				return NewVendorSession(ctx, name, quietBuzzer)
			},
		},
		{
			ID:    "generic",
			Match: func(string) bool { return true },
			Build: func(ctx ReaderContext, name string) Reader {
				return NewSession(ctx, name)
			},
		},
	}
}

// Discovery owns the PC/SC context and tracks reader arrival and departure.
// Each known reader gets exactly one live session; when the reader
// disappears its session is closed for good and a fresh one is built if the
// reader comes back.
type Discovery struct {
	ctx       ReaderContext
	factories []SessionFactory

	mu       sync.Mutex
	sessions map[string]Reader
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup

	readerAdded   emitter[Reader]
	readerRemoved emitter[string]
	scanErrs      emitter[error]
}

// NewDiscovery starts reader discovery over the given context with the
// given factory chain.
func NewDiscovery(ctx ReaderContext, factories []SessionFactory) *Discovery {
	d := &Discovery{
		ctx:       ctx,
		factories: factories,
		sessions:  make(map[string]Reader),
		stop:      make(chan struct{}),
	}
	d.wg.Add(1)
	go d.poll()
	return d
}

// OnReaderAdded fires with the new session whenever a reader appears.
func (d *Discovery) OnReaderAdded(fn func(Reader)) (cancel func()) {
	return d.readerAdded.subscribe(fn)
}

// OnReaderRemoved fires with the reader name after its session has been
// closed.
func (d *Discovery) OnReaderRemoved(fn func(name string)) (cancel func()) {
	return d.readerRemoved.subscribe(fn)
}

// OnError fires when a reader enumeration attempt fails. Tracked sessions
// are untouched; the next successful scan resumes the diff.
func (d *Discovery) OnError(fn func(error)) (cancel func()) {
	return d.scanErrs.subscribe(fn)
}

// Readers returns the currently tracked sessions. Once the service is
// closed it reports an error instead.
func (d *Discovery) Readers() ([]Reader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, NewSessionClosedError("Readers")
	}
	out := make([]Reader, 0, len(d.sessions))
	for _, r := range d.sessions {
		out = append(out, r)
	}
	return out, nil
}

// Close stops discovery, closes every tracked session and releases the
// PC/SC context. The first call succeeds; further calls report the service
// closed.
func (d *Discovery) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return NewSessionClosedError("Close")
	}
	d.closed = true
	sessions := d.sessions
	d.sessions = nil
	close(d.stop)
	d.mu.Unlock()

	// Unblock any status-change wait before joining the poll loop.
	if err := d.ctx.Cancel(); err != nil {
		log.Debug().Err(err).Msg("cancel PC/SC context")
	}
	d.wg.Wait()

	for name, r := range sessions {
		if err := r.Close(); err != nil && !IsSessionClosed(err) {
			log.Warn().Str("reader", name).Err(err).Msg("close session")
		}
	}

	d.readerAdded.dropAll()
	d.readerRemoved.dropAll()
	d.scanErrs.dropAll()

	if err := d.ctx.Release(); err != nil {
		return NewDisconnectError("Close", err)
	}
	return nil
}

func (d *Discovery) poll() {
	defer d.wg.Done()

	ticker := time.NewTicker(readerPollInterval)
	defer ticker.Stop()

	d.scan()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.scan()
		}
	}
}

// scan diffs the live reader list against tracked sessions, building
// sessions for arrivals and closing sessions for departures.
func (d *Discovery) scan() {
	names, err := d.ctx.ListReaders()
	if err != nil {
		// Unplugging the last reader reports this on some platforms.
		if errors.Is(err, scard.ErrNoReadersAvailable) {
			names = nil
		} else {
			// A failed enumeration says nothing about departures;
			// the session set stays intact until a successful scan
			// diffs genuine removals.
			log.Warn().Err(err).Msg("reader enumeration failed")
			d.scanErrs.publish(NewConnectError("ListReaders", err))
			return
		}
	}

	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}

	var added []Reader
	var removed []Reader
	var removedNames []string

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	for _, n := range names {
		if _, ok := d.sessions[n]; ok {
			continue
		}
		name := n
		r := d.build(name)
		d.sessions[name] = r
		// A session that ends on its own is forgotten here so the next
		// scan builds a replacement while the reader stays attached.
		r.OnEnd(func() { d.untrack(name, r) })
		added = append(added, r)
	}
	for n, r := range d.sessions {
		if !present[n] {
			delete(d.sessions, n)
			removed = append(removed, r)
			removedNames = append(removedNames, n)
		}
	}
	d.mu.Unlock()

	for _, r := range added {
		log.Info().Str("reader", r.Name()).Msg("reader connected")
		d.readerAdded.publish(r)
	}
	for i, r := range removed {
		if err := r.Close(); err != nil && !IsSessionClosed(err) {
			log.Warn().Str("reader", removedNames[i]).Err(err).Msg("close session")
		}
		log.Info().Str("reader", removedNames[i]).Msg("reader disconnected")
		d.readerRemoved.publish(removedNames[i])
	}
}

// untrack forgets an ended session if it is still the one tracked for the
// reader. Scan-driven removals have already deleted the entry by the time
// the session's end fires.
func (d *Discovery) untrack(name string, r Reader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if d.sessions[name] == r {
		delete(d.sessions, name)
	}
}

func (d *Discovery) build(name string) Reader {
	for _, f := range d.factories {
		if f.Match(name) {
			log.Debug().Str("reader", name).Str("factory", f.ID).Msg("building session")
			return f.Build(d.ctx, name)
		}
	}
	// DefaultFactories always ends with a catch-all; a custom chain may
	// not.
	return NewSession(d.ctx, name)
}
