package nfc

import "sync"

// emitter is a minimal typed event channel: any number of listeners per
// event, publish reachable only from the owning component (the method is
// unexported and the emitter is held in an unexported field).
type emitter[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]func(T)
}

// subscribe registers a listener and returns its cancel function.
func (e *emitter[T]) subscribe(fn func(T)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		e.subs = make(map[int]func(T))
	}
	id := e.next
	e.next++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// publish invokes every listener synchronously on the caller's goroutine,
// preserving event order per publisher.
func (e *emitter[T]) publish(v T) {
	e.mu.Lock()
	fns := make([]func(T), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// dropAll removes every listener.
func (e *emitter[T]) dropAll() {
	e.mu.Lock()
	e.subs = nil
	e.mu.Unlock()
}
