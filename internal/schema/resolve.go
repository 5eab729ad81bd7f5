package schema

import (
	"sort"
	"strings"
)

// MaxAmbiguousCandidates bounds the sample list of candidates returned when
// a prefix resolves to more than one match.
const MaxAmbiguousCandidates = 8

// IDer is implemented by decoded entity values that carry their own id
// field (Task.ID, Message.ID), used for value.id-prefix matching.
type IDer interface {
	GetID() string
}

// GetID implements IDer for Task.
func (t Task) GetID() string { return t.ID }

// GetID implements IDer for Message.
func (m Message) GetID() string { return m.ID }

// ResolveKey resolves needle against the map key -> value.id relationship
// used throughout the tool surface (resolveTaskKey, and its generalization
// to messages/agents): a caller may pass a full key, a key prefix, or an
// id prefix. An exact key match always wins; otherwise resolution succeeds
// only when exactly one candidate matches across the two prefix strategies
// combined.
//
// keys must be sorted; ids[i] corresponds to keys[i]. Strategy order:
//  1. exact key match
//  2. key-prefix match
//  3. value.id-prefix match
// Only strategy 1 short-circuits. Matches from strategies 2 and 3 are
// merged into one candidate set before the ambiguity check, so a needle
// that prefix-matches one key and one different id is reported ambiguous.
func ResolveKey(needle string, keys []string, ids []string) (string, error) {
	if needle == "" {
		return "", &ResolveError{Needle: needle}
	}

	for _, k := range keys {
		if k == needle {
			return k, nil
		}
	}

	seen := make(map[string]bool)
	var candidates []string
	addCandidate := func(k string) {
		if !seen[k] {
			seen[k] = true
			candidates = append(candidates, k)
		}
	}

	for _, k := range keys {
		if strings.HasPrefix(k, needle) {
			addCandidate(k)
		}
	}
	for i, id := range ids {
		if id != "" && strings.HasPrefix(id, needle) {
			addCandidate(keys[i])
		}
	}

	switch len(candidates) {
	case 0:
		return "", &ResolveError{Needle: needle}
	case 1:
		return candidates[0], nil
	default:
		sample := candidates
		if len(sample) > MaxAmbiguousCandidates {
			sample = sample[:MaxAmbiguousCandidates]
		}
		return "", &ResolveError{Needle: needle, Ambiguous: true, Candidates: sample}
	}
}

// ResolveTaskKey resolves needle against a decoded set of tasks keyed by
// their map key.
func ResolveTaskKey(needle string, tasks map[string]Task) (string, error) {
	keys := make([]string, 0, len(tasks))
	for k := range tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = tasks[k].ID
	}
	return ResolveKey(needle, keys, ids)
}

// ResolveMessageKey resolves needle against a decoded set of messages,
// generalizing resolveTaskKey to the message namespace for tool handlers
// like mark_read that accept short ids.
func ResolveMessageKey(needle string, messages map[string]Message) (string, error) {
	keys := make([]string, 0, len(messages))
	for k := range messages {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = messages[k].ID
	}
	return ResolveKey(needle, keys, ids)
}
