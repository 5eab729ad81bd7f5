package crdtdoc

import (
	"encoding/json"
	"fmt"
)

// MapHandle is a typed view onto one named map of a Doc. It is cheap to
// create and hold — callers commonly keep one per entity kind ("nodes",
// "tasks", "messages", ...) for the lifetime of the process.
type MapHandle struct {
	doc  *Doc
	name string
}

// Name returns the map's name, mostly useful for log fields.
func (h *MapHandle) Name() string { return h.name }

// Get decodes the live value stored at key into out (a pointer). Returns
// false if the key does not exist or is tombstoned.
func (h *MapHandle) Get(key string, out any) (bool, error) {
	h.doc.mu.RLock()
	raw, ok := h.doc.mapFor(h.name).get(key)
	h.doc.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("crdtdoc: decode %s/%s: %w", h.name, key, err)
	}
	return true, nil
}

// Set replaces the value at key with a fresh last-writer-wins record. Use
// for entities whose invariant is "whole record replaced atomically"
// (Node, Task, Message, AgentRecord, ...). For fields that must tolerate
// concurrent partial writes without clobbering siblings (Pulse), use
// SubmapSet instead.
func (h *MapHandle) Set(key string, value any) (Update, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Update{}, fmt.Errorf("crdtdoc: encode %s/%s: %w", h.name, key, err)
	}
	return h.doc.applyLocal(h.name, key, raw, false), nil
}

// Delete tombstones key. The entry is retained (with Tomb=true) until the
// next Compact so concurrent remote updates referencing it still merge
// deterministically instead of resurrecting a deleted record.
func (h *MapHandle) Delete(key string) Update {
	return h.doc.applyLocal(h.name, key, nil, true)
}

// Has reports whether key has a live (non-tombstoned) value.
func (h *MapHandle) Has(key string) bool {
	h.doc.mu.RLock()
	defer h.doc.mu.RUnlock()
	return h.doc.mapFor(h.name).has(key)
}

// Size returns the number of live entries.
func (h *MapHandle) Size() int {
	h.doc.mu.RLock()
	defer h.doc.mu.RUnlock()
	return h.doc.mapFor(h.name).size()
}

// Keys returns all live keys, sorted.
func (h *MapHandle) Keys() []string {
	h.doc.mu.RLock()
	defer h.doc.mu.RUnlock()
	return h.doc.mapFor(h.name).keys()
}

// Entries decodes every live value into a fresh item from newItem, which
// must return a pointer to decode into, and passes each key and decoded
// item to add in sorted key order. Example:
//
//	var tasks []*schema.Task
//	err := tasksMap.Entries(func() any { return new(schema.Task) }, func(key string, v any) {
//	    tasks = append(tasks, v.(*schema.Task))
//	})
func (h *MapHandle) Entries(newItem func() any, add func(key string, value any)) error {
	h.doc.mu.RLock()
	m := h.doc.mapFor(h.name)
	keys := m.keys()
	raws := make([]json.RawMessage, len(keys))
	for i, k := range keys {
		raws[i], _ = m.get(k)
	}
	h.doc.mu.RUnlock()

	for i, k := range keys {
		item := newItem()
		if err := json.Unmarshal(raws[i], item); err != nil {
			return fmt.Errorf("crdtdoc: decode %s/%s: %w", h.name, k, err)
		}
		add(k, item)
	}
	return nil
}

// SubmapSet mutates a single field of the nested record owned by key
// without touching its sibling fields — the Pulse pattern described in the
// data model: "implemented as an in-place mutable submap to avoid tombstone
// growth from frequent heartbeats." Each field is stored as its own
// last-writer-wins entry under a compound key, so two nodes heartbeating
// concurrently never generate a conflicting full-record tombstone.
func (h *MapHandle) SubmapSet(owner, field string, value any) (Update, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Update{}, fmt.Errorf("crdtdoc: encode %s/%s.%s: %w", h.name, owner, field, err)
	}
	return h.doc.applyLocal(h.name, submapKey(owner, field), raw, false), nil
}

// SubmapGet decodes every field of the nested record owned by key into out,
// which must be a pointer to a struct or map. Fields are first collected
// into a map[string]json.RawMessage and then re-marshaled so callers can
// decode into typed structs without this package knowing their shape.
func (h *MapHandle) SubmapGet(owner string, out any) (bool, error) {
	h.doc.mu.RLock()
	fields := h.doc.mapFor(h.name).prefixed(owner)
	h.doc.mu.RUnlock()

	if len(fields) == 0 {
		return false, nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return true, fmt.Errorf("crdtdoc: marshal submap %s/%s: %w", h.name, owner, err)
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("crdtdoc: decode submap %s/%s: %w", h.name, owner, err)
	}
	return true, nil
}

// SubmapHasLive reports whether owner has any live field at all — used by
// presence staleness checks to distinguish "never heartbeated" from
// "heartbeated but stale".
func (h *MapHandle) SubmapHasLive(owner string) bool {
	h.doc.mu.RLock()
	defer h.doc.mu.RUnlock()
	return len(h.doc.mapFor(h.name).prefixed(owner)) > 0
}
