package transport

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is generous relative to the GUI hub's 512 bytes — a
	// full snapshot frame carries the entire document.
	maxMessageSize = 32 * 1024 * 1024

	sendBufferSize = 64
)

// Peer is one live mesh connection, inbound (accepted by Server) or
// outbound (dialed by Client). conn is only ever written to from writePump
// — gorilla/websocket connections are not safe for concurrent writers.
type Peer struct {
	hub    *Hub
	doc    *crdtdoc.Doc
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	nodeID string
	tier   schema.Tier

	// onSynced fires once after the first inbound doc frame is processed —
	// the signal callers wait on before treating the connection as usable.
	onSynced func()
	syncedOnce bool
}

func newPeer(hub *Hub, doc *crdtdoc.Doc, conn *websocket.Conn, logger *zap.Logger, onSynced func()) *Peer {
	return &Peer{
		hub:      hub,
		doc:      doc,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		logger:   logger,
		onSynced: onSynced,
	}
}

// run registers the peer with the hub, sends an initial hello + full
// snapshot, then blocks running the read and write pumps until either side
// closes the connection.
func (p *Peer) run(selfNode string, selfTier schema.Tier) {
	p.hub.register <- p

	defer func() {
		p.hub.unregister <- p
		p.conn.Close()
	}()

	hello := frame{Kind: frameHello, Node: selfNode, Tier: string(selfTier)}
	if data, err := json.Marshal(hello); err == nil {
		select {
		case p.send <- data:
		default:
		}
	}

	snap, err := p.doc.EncodeSnapshot()
	if err != nil {
		p.logger.Warn("peer: encode initial snapshot", zap.Error(err))
	} else {
		syncFrame := frame{Kind: frameSync, Node: selfNode, Doc: snap}
		if data, err := json.Marshal(syncFrame); err == nil {
			select {
			case p.send <- data:
			default:
			}
		}
	}

	done := make(chan struct{})
	go func() {
		p.writePump()
		close(done)
	}()
	p.readPump()
	<-done
}

func (p *Peer) readPump() {
	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Warn("peer: read error", zap.String("node", p.nodeID), zap.Error(err))
			}
			return
		}
		p.handleFrame(data)
	}
}

func (p *Peer) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		p.logger.Warn("peer: decode frame", zap.Error(err))
		return
	}

	switch f.Kind {
	case frameHello:
		p.nodeID = f.Node
		p.tier = schema.Tier(f.Tier)
	case framePing:
		select {
		case p.send <- mustMarshalFrame(frame{Kind: framePong}):
		default:
		}
	case framePong:
		// handled by the websocket library's pong handler for protocol-level
		// pings; an application-level pong needs no action here.
	case frameSync, frameDoc:
		if err := p.doc.ApplyUpdate(f.Doc); err != nil {
			p.logger.Warn("peer: apply remote update", zap.String("node", p.nodeID), zap.Error(err))
			return
		}
		p.hub.Broadcast(data, p)
		if p.onSynced != nil && !p.syncedOnce {
			p.syncedOnce = true
			p.onSynced()
		}
	}
}

func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func mustMarshalFrame(f frame) []byte {
	data, _ := json.Marshal(f)
	return data
}
