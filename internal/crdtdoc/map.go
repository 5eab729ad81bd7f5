package crdtdoc

import (
	"encoding/json"
	"sort"
	"strings"
)

// mapEntry is one key's value inside a named CRDT map. Deleted keys are kept
// as tombstones (Tomb=true, Value=nil) rather than removed outright, so a
// concurrent remote update that still references the key merges correctly
// instead of resurrecting it. Compaction (see doc.go Compact) drops every
// tombstone from the fresh copy it builds, without tracking which replicas
// have observed them; the live Doc keeps its tombstones.
type mapEntry struct {
	Value json.RawMessage `json:"value,omitempty"`
	Tomb  bool            `json:"tomb,omitempty"`
	Stamp stamp           `json:"stamp"`
}

// crdtMap is a last-writer-wins register map: independent concurrent writes
// to different keys never conflict, and concurrent writes to the same key
// converge on the entry with the higher stamp. This is the map primitive
// backing every named collection in the Doc (nodes, tasks, messages, ...)
// and, via compound keys (owner, submapSep, field), the Pulse submap (see
// MapHandle.SubmapSet).
type crdtMap struct {
	entries map[string]mapEntry
}

func newCRDTMap() *crdtMap {
	return &crdtMap{entries: make(map[string]mapEntry)}
}

// merge applies an incoming entry for key, keeping whichever of the existing
// and incoming entries has the winning stamp. Returns true if the merge
// changed the map's observable state (used to decide whether to fire update
// observers and schedule a snapshot write).
func (m *crdtMap) merge(key string, incoming mapEntry) bool {
	current, ok := m.entries[key]
	if ok && !incoming.Stamp.after(current.Stamp) {
		return false
	}
	m.entries[key] = incoming
	return true
}

func (m *crdtMap) get(key string) (json.RawMessage, bool) {
	e, ok := m.entries[key]
	if !ok || e.Tomb {
		return nil, false
	}
	return e.Value, true
}

func (m *crdtMap) has(key string) bool {
	_, ok := m.get(key)
	return ok
}

// size counts only live (non-tombstoned) entries.
func (m *crdtMap) size() int {
	n := 0
	for _, e := range m.entries {
		if !e.Tomb {
			n++
		}
	}
	return n
}

// keys returns live keys sorted for deterministic iteration — reconcile
// ordering elsewhere depends on the caller re-sorting by domain fields
// (timestamp, id), but a stable base order avoids flaky test output.
func (m *crdtMap) keys() []string {
	out := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.Tomb {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (m *crdtMap) values() []json.RawMessage {
	keys := m.keys()
	out := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.entries[k].Value)
	}
	return out
}

// prefixed returns live keys of the form prefix+submapSep+field split into
// (field, value) pairs. Backing implementation for the Pulse-style submap:
// a submap's fields are just ordinary map entries under a compound key, so
// reading "all fields of submap X" is a prefix scan over the owning map.
func (m *crdtMap) prefixed(prefix string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	want := prefix + submapSep
	for k, e := range m.entries {
		if e.Tomb || !strings.HasPrefix(k, want) {
			continue
		}
		out[strings.TrimPrefix(k, want)] = e.Value
	}
	return out
}

// submapSep separates a submap's owning key from its field name in the
// compound keys crdtMap uses to store Pulse-style nested records.
const submapSep = "\x1f"

func submapKey(owner, field string) string {
	return owner + submapSep + field
}
