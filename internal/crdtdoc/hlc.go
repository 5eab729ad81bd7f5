package crdtdoc

// stamp is a Lamport-style logical timestamp used to order concurrent writes
// to the same key. Counter is bumped on every local mutation and raised to
// the counter of every remote update whose counter is greater than the
// local one (standard Lamport clock merge). Actor breaks ties deterministically so
// that two nodes which raced on the same counter value converge on the same
// winner without a central coordinator.
type stamp struct {
	Counter uint64 `json:"counter"`
	Actor   string `json:"actor"`
}

// after reports whether s should win a last-writer-wins comparison against
// other. Higher counter wins; a tied counter is broken by comparing actor
// strings so every replica resolves the race identically.
func (s stamp) after(other stamp) bool {
	if s.Counter != other.Counter {
		return s.Counter > other.Counter
	}
	return s.Actor > other.Actor
}
