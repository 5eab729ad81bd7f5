package transport

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
)

// relayDebounce coalesces bursts of local Doc updates into one broadcast
// frame, the same trailing-debounce shape internal/store and
// internal/dispatcher use for their own batching.
const relayDebounce = 100 * time.Millisecond

// relay watches doc for locally originated updates and forwards them to
// every connected peer as a batched "doc" frame. Remote updates re-enter
// the Doc via Peer.handleFrame and are excluded here only by the fact that
// Hub.Broadcast already skips the originating peer for those — this relay
// only ever sees updates the Doc itself produced, local or remote, so a
// remote update would otherwise be re-broadcast by both the originating
// peer's own gossip relay AND this relay. To avoid that double-send, the
// relay only batches updates that originate from this node's own actor
// stamp.
type relay struct {
	doc      *crdtdoc.Doc
	hub      *Hub
	selfNode string
	logger   *zap.Logger

	mu      sync.Mutex
	pending []crdtdoc.Update
	timer   *time.Timer

	unsub func()
}

func newRelay(doc *crdtdoc.Doc, hub *Hub, selfNode string, logger *zap.Logger) *relay {
	r := &relay{doc: doc, hub: hub, selfNode: selfNode, logger: logger}
	r.unsub = doc.OnUpdate(r.onUpdate)
	return r
}

func (r *relay) onUpdate(u crdtdoc.Update) {
	if u.Stamp.Actor != r.selfNode {
		return
	}
	r.mu.Lock()
	r.pending = append(r.pending, u)
	if r.timer == nil {
		r.timer = time.AfterFunc(relayDebounce, r.flush)
	}
	r.mu.Unlock()
}

func (r *relay) flush() {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.timer = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	encoded, err := crdtdoc.EncodeUpdates(batch)
	if err != nil {
		r.logger.Warn("relay: encode update batch", zap.Error(err))
		return
	}

	f := frame{Kind: frameDoc, Node: r.selfNode, Doc: encoded}
	data, err := json.Marshal(f)
	if err != nil {
		r.logger.Warn("relay: marshal frame", zap.Error(err))
		return
	}
	r.hub.Broadcast(data, nil)
}

func (r *relay) stop() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
	r.unsub()
}
