package state

// Snapshot is the aggregate state pushed to clients: one entry per
// configured role, always complete. Broadcasts carry a clone, so the live
// map is mutated only by the owning service.
type Snapshot map[string]TokenState

// Clone returns an independent copy safe to hand to another goroutine.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for role, st := range s {
		out[role] = st
	}
	return out
}
