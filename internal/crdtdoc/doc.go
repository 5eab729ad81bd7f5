// Package crdtdoc is a thin facade over a CRDT-like replicated document: a
// set of named last-writer-wins maps, an update-event stream, and
// snapshot encode/decode for persistence and wire transfer.
//
// There is no general-purpose Yjs-wire-compatible CRDT library in the Go
// ecosystem this module could bind to (see DESIGN.md), so this package
// implements its own minimal map CRDT rather than fabricate a dependency.
// Every other component treats *Doc as if it were wrapping such a library —
// GetMap, ApplyUpdate, EncodeSnapshot, and OnUpdate are the only surface the
// rest of the codebase depends on, so swapping in a real byte-compatible
// library later only touches this package.
package crdtdoc

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Update is one merged mutation, delivered to OnUpdate observers and to
// remote peers over the sync transport.
type Update struct {
	MapName string          `json:"map"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Tomb    bool            `json:"tomb,omitempty"`
	Stamp   stamp           `json:"stamp"`
}

// Snapshot is the full document state, as written to the state file and
// exchanged on initial sync.
type Snapshot struct {
	Maps map[string]map[string]mapEntry `json:"maps"`
}

// envelope is the wire/disk framing around either a Snapshot or a batch of
// incremental Updates — the two payload shapes ApplyUpdate accepts.
type envelope struct {
	Kind     string    `json:"kind"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Updates  []Update  `json:"updates,omitempty"`
}

// observer is a registered OnUpdate callback plus the token used to remove it.
type observer struct {
	id int
	fn func(Update)
}

// Doc is a process-wide replicated document. All mutations are serialized
// under mu rather than through an actor goroutine (see the Hub's run loop
// for that shape) — a mutation here is a handful of map writes plus a stamp
// bump, cheap enough that holding mu for its duration satisfies the
// concurrency model's single-writer requirement without the extra
// indirection of a command channel.
//
// Construct with NewDoc and pass the instance into every component that
// needs it; there is intentionally no package-level singleton.
type Doc struct {
	actor  string
	logger *zap.Logger

	mu      sync.RWMutex // guards maps + counter; held briefly by applyLocal and the other mutation paths, and by read-only paths
	maps    map[string]*crdtMap
	counter uint64

	obsMu     sync.Mutex
	observers []observer
	nextObsID int

	closed chan struct{}
	once   sync.Once
}

// NewDoc creates a Doc whose local writes are stamped with actor (normally
// the node's id). The Doc has no maps until GetMap is called or a snapshot
// is applied — map creation is implicit and idempotent.
func NewDoc(actor string, logger *zap.Logger) *Doc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Doc{
		actor:  actor,
		logger: logger.Named("crdtdoc"),
		maps:   make(map[string]*crdtMap),
		closed: make(chan struct{}),
	}
}

// Close stops accepting further observer notifications. Doc has no
// background goroutine to stop — mutation is synchronous under mu — but
// Close exists so callers have a single symmetrical lifecycle call and so a
// future switch to a channel-driven writer goroutine doesn't change the
// call site.
func (d *Doc) Close() {
	d.once.Do(func() { close(d.closed) })
}

func (d *Doc) mapFor(name string) *crdtMap {
	m, ok := d.maps[name]
	if !ok {
		m = newCRDTMap()
		d.maps[name] = m
	}
	return m
}

// nextStamp returns the stamp for the next local mutation. Must be called
// with mu held.
func (d *Doc) nextStamp() stamp {
	d.counter++
	return stamp{Counter: d.counter, Actor: d.actor}
}

// observeCounter bumps the local counter to stay ahead of any stamp we have
// just observed, so future local writes always sort after everything we
// have merged in — the standard Lamport-clock receive rule. Must be called
// with mu held.
func (d *Doc) observeCounter(s stamp) {
	if s.Counter > d.counter {
		d.counter = s.Counter
	}
}

// GetMap returns a handle bound to the named map. Maps are created lazily
// and never explicitly destroyed — an empty map and a nonexistent map are
// observably identical.
func (d *Doc) GetMap(name string) *MapHandle {
	return &MapHandle{doc: d, name: name}
}

// OnUpdate registers fn to be called, outside of any Doc-internal lock,
// after every local or remote mutation that actually changes observable
// state. It returns an unsubscribe function. Per the concurrency model,
// observers must not call back into Set/Delete synchronously during a
// commit; callers that need to mutate in response should schedule that
// work on a trailing timer (see internal/dispatcher for the canonical
// reconcile-coalescing example).
func (d *Doc) OnUpdate(fn func(Update)) func() {
	d.obsMu.Lock()
	id := d.nextObsID
	d.nextObsID++
	d.observers = append(d.observers, observer{id: id, fn: fn})
	d.obsMu.Unlock()

	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		for i, o := range d.observers {
			if o.id == id {
				d.observers = append(d.observers[:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

func (d *Doc) notify(u Update) {
	select {
	case <-d.closed:
		return
	default:
	}
	d.obsMu.Lock()
	fns := make([]func(Update), len(d.observers))
	for i, o := range d.observers {
		fns[i] = o.fn
	}
	d.obsMu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

// applyLocal stamps and merges a local mutation, firing observers and
// returning the Update so callers (e.g. the sync transport) can broadcast
// it to peers immediately rather than waiting for the next debounced
// snapshot write.
func (d *Doc) applyLocal(mapName, key string, value json.RawMessage, tomb bool) Update {
	d.mu.Lock()
	s := d.nextStamp()
	entry := mapEntry{Value: value, Tomb: tomb, Stamp: s}
	d.mapFor(mapName).merge(key, entry)
	d.mu.Unlock()

	u := Update{MapName: mapName, Key: key, Value: value, Tomb: tomb, Stamp: s}
	d.notify(u)
	return u
}

// ApplyUpdate merges a remote snapshot or update batch produced by
// EncodeSnapshot or EncodeUpdates. It is safe to call with a snapshot taken
// at any point in the past — merge is idempotent and commutative per key.
func (d *Doc) ApplyUpdate(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("crdtdoc: decode update envelope: %w", err)
	}

	switch env.Kind {
	case "snapshot":
		if env.Snapshot == nil {
			return fmt.Errorf("crdtdoc: snapshot envelope missing payload")
		}
		d.applySnapshot(*env.Snapshot)
	case "updates":
		d.applyUpdates(env.Updates)
	default:
		return fmt.Errorf("crdtdoc: unknown update envelope kind %q", env.Kind)
	}
	return nil
}

func (d *Doc) applySnapshot(snap Snapshot) {
	var changed []Update
	d.mu.Lock()
	for mapName, entries := range snap.Maps {
		m := d.mapFor(mapName)
		for key, e := range entries {
			d.observeCounter(e.Stamp)
			if m.merge(key, e) {
				changed = append(changed, Update{MapName: mapName, Key: key, Value: e.Value, Tomb: e.Tomb, Stamp: e.Stamp})
			}
		}
	}
	d.mu.Unlock()

	for _, u := range changed {
		d.notify(u)
	}
}

func (d *Doc) applyUpdates(updates []Update) {
	var changed []Update
	d.mu.Lock()
	for _, u := range updates {
		d.observeCounter(u.Stamp)
		m := d.mapFor(u.MapName)
		if m.merge(u.Key, mapEntry{Value: u.Value, Tomb: u.Tomb, Stamp: u.Stamp}) {
			changed = append(changed, u)
		}
	}
	d.mu.Unlock()

	for _, u := range changed {
		d.notify(u)
	}
}

// EncodeSnapshot serializes the entire document, including tombstones, as
// JSON bytes suitable for ApplyUpdate or persistence.
func (d *Doc) EncodeSnapshot() ([]byte, error) {
	d.mu.RLock()
	snap := Snapshot{Maps: make(map[string]map[string]mapEntry, len(d.maps))}
	for name, m := range d.maps {
		cp := make(map[string]mapEntry, len(m.entries))
		for k, e := range m.entries {
			cp[k] = e
		}
		snap.Maps[name] = cp
	}
	d.mu.RUnlock()

	return json.Marshal(envelope{Kind: "snapshot", Snapshot: &snap})
}

// EncodeUpdates frames a batch of already-merged local updates for
// transmission to a peer, e.g. from the sync transport's outbound relay.
func EncodeUpdates(updates []Update) ([]byte, error) {
	return json.Marshal(envelope{Kind: "updates", Updates: updates})
}

// Compact rebuilds the document by replaying only live (non-tombstoned)
// entries into a fresh Doc, shedding deletion history. This is what
// Persistence calls before every snapshot write (spec: "apply current state
// to a fresh doc and re-encode to shed tombstones").
func (d *Doc) Compact() *Doc {
	fresh := NewDoc(d.actor, d.logger)

	d.mu.RLock()
	defer d.mu.RUnlock()

	fresh.mu.Lock()
	defer fresh.mu.Unlock()
	fresh.counter = d.counter
	for name, m := range d.maps {
		fm := fresh.mapFor(name)
		for k, e := range m.entries {
			if e.Tomb {
				continue
			}
			fm.entries[k] = e
		}
	}
	return fresh
}
