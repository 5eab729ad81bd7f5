// Package transport carries CRDT document state between mesh nodes over
// WebSocket. Backbone nodes run a Hub accepting inbound peer connections
// (server.go, hub.go); every node — backbone and edge alike — dials out to one
// or more backbone peers with reconnect-and-resync-on-drop semantics
// (client.go).
package transport

import "encoding/json"

// frameKind discriminates the small set of message shapes exchanged over a
// mesh connection. Unlike the CRDT envelope's own "snapshot"/"updates" kind
// (internal/crdtdoc), frames also need to carry handshake and liveness
// messages that never touch the document at all.
type frameKind string

const (
	frameHello frameKind = "hello"
	frameSync  frameKind = "sync"
	frameDoc   frameKind = "doc"
	framePing  frameKind = "ping"
	framePong  frameKind = "pong"
)

// frame is the envelope written to the wire. Doc carries a crdtdoc envelope
// (snapshot or update batch) as opaque bytes — transport never decodes it
// itself, it only relays it to doc.ApplyUpdate.
type frame struct {
	Kind frameKind       `json:"kind"`
	Node string          `json:"node,omitempty"`
	Tier string          `json:"tier,omitempty"`
	Doc  json.RawMessage `json:"doc,omitempty"`
}
