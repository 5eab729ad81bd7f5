package transport

import (
	"sync"

	"go.uber.org/zap"
)

// Hub tracks every live mesh connection — inbound peers accepted by Server
// and outbound peers established by Client — and relays locally produced
// CRDT updates to all of them. All registry mutation and broadcast fan-out
// goes through Run's single goroutine, the same shape as the GUI pub/sub
// hub this package is adapted from; here the "topic" is always "the whole
// document" rather than a per-resource channel.
type Hub struct {
	logger *zap.Logger

	mu    sync.RWMutex
	peers map[*Peer]struct{}

	register   chan *Peer
	unregister chan *Peer
	broadcast  chan broadcastMsg

	stopped chan struct{}
}

type broadcastMsg struct {
	data   []byte
	origin *Peer // nil for locally originated updates; never echoed back to origin
}

// NewHub constructs an idle Hub. Call Run to start its event loop.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger.Named("transport.hub"),
		peers:      make(map[*Peer]struct{}),
		register:   make(chan *Peer),
		unregister: make(chan *Peer),
		broadcast:  make(chan broadcastMsg, 64),
		stopped:    make(chan struct{}),
	}
}

// Run is the Hub's single-writer event loop. It must run in its own
// goroutine for the lifetime of the Hub; call Stop to end it.
func (h *Hub) Run() {
	for {
		select {
		case p := <-h.register:
			h.mu.Lock()
			h.peers[p] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("peer registered", zap.String("node", p.nodeID), zap.Int("peers", h.countPeers()))

		case p := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.peers[p]; ok {
				delete(h.peers, p)
				close(p.send)
			}
			h.mu.Unlock()
			h.logger.Info("peer unregistered", zap.String("node", p.nodeID), zap.Int("peers", h.countPeers()))

		case m := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Peer, 0, len(h.peers))
			for p := range h.peers {
				if p == m.origin {
					continue
				}
				targets = append(targets, p)
			}
			h.mu.RUnlock()

			for _, p := range targets {
				select {
				case p.send <- m.data:
				default:
					// Slow peer — drop it rather than block the hub or buffer
					// unboundedly; it will resync from scratch on reconnect.
					h.logger.Warn("dropping slow peer", zap.String("node", p.nodeID))
					go func(p *Peer) { h.unregister <- p }(p)
				}
			}

		case <-h.stopped:
			h.mu.Lock()
			for p := range h.peers {
				close(p.send)
			}
			h.peers = make(map[*Peer]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Stop ends Run's event loop and closes every registered peer's send channel.
func (h *Hub) Stop() {
	close(h.stopped)
}

// Broadcast relays data (an encoded frame) to every registered peer except
// origin. origin is nil for locally originated document updates.
func (h *Hub) Broadcast(data []byte, origin *Peer) {
	select {
	case h.broadcast <- broadcastMsg{data: data, origin: origin}:
	case <-h.stopped:
	}
}

func (h *Hub) countPeers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// PeerCount reports the number of currently connected mesh peers.
func (h *Hub) PeerCount() int {
	return h.countPeers()
}

// PeerNodes returns the node id of every currently connected peer.
func (h *Hub) PeerNodes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.peers))
	for p := range h.peers {
		out = append(out, p.nodeID)
	}
	return out
}
