package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/admission"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// upgrader has no meaningful browser origin to check — mesh peers are other
// backend processes, never a page served from this host — so CheckOrigin
// always allows.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the backbone side of the mesh: it accepts inbound peer
// connections at /mesh/ws, admitting them either via a freshly minted
// ticket (first-time join, backed by a consumed invite) or via the node
// allowlist (reconnect of an already-known node).
type Server struct {
	doc      *crdtdoc.Doc
	hub      *Hub
	relay    *relay
	tickets  *admission.TicketIssuer
	invites  *admission.NodeInvites
	nodes    *admission.Nodes
	selfNode string
	selfTier schema.Tier
	logger   *zap.Logger

	onPeerSynced func(nodeID string)
}

// NewServer wires a Server bound to doc. tickets/invites/nodes come from
// internal/admission and gate which peers are allowed to join the mesh.
func NewServer(doc *crdtdoc.Doc, selfNode string, selfTier schema.Tier, tickets *admission.TicketIssuer, invites *admission.NodeInvites, nodes *admission.Nodes, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := NewHub(logger)
	return &Server{
		doc:      doc,
		hub:      hub,
		relay:    newRelay(doc, hub, selfNode, logger.Named("transport.relay")),
		tickets:  tickets,
		invites:  invites,
		nodes:    nodes,
		selfNode: selfNode,
		selfTier: selfTier,
		logger:   logger.Named("transport.server"),
	}
}

// OnPeerSynced registers a callback fired once per peer after its first
// sync frame has been applied — callers use this to detect "the mesh has
// usable state" rather than merely "a socket connected".
func (s *Server) OnPeerSynced(fn func(nodeID string)) { s.onPeerSynced = fn }

// Hub exposes the underlying peer registry for status reporting.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the Hub's event loop in a background goroutine. Call Stop to
// end it.
func (s *Server) Start() { go s.hub.Run() }

// Stop ends the Hub loop and the local-update relay.
func (s *Server) Stop() {
	s.relay.stop()
	s.hub.Stop()
}

// Router builds the Chi router exposing the mesh WebSocket endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/mesh/ws", s.serveWS)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// serveWS admits and upgrades one inbound peer connection. Admission is a
// pre-upgrade check, same as the GUI hub's query-token pattern, since
// browsers (and here, peer processes behind a simple dialer) cannot set
// custom headers on the WebSocket handshake request.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node")
	if nodeID == "" {
		http.Error(w, "missing node", http.StatusBadRequest)
		return
	}

	tier, err := s.admit(r, nodeID)
	if err != nil {
		s.logger.Warn("peer admission rejected", zap.String("node", nodeID), zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.String("node", nodeID), zap.Error(err))
		return
	}

	p := newPeer(s.hub, s.doc, conn, s.logger.Named("transport.peer"), func() {
		if s.onPeerSynced != nil {
			s.onPeerSynced(nodeID)
		}
	})
	p.nodeID = nodeID
	p.tier = tier
	p.run(s.selfNode, s.selfTier)
}

// admit resolves the tier a connecting node is authorized to join at,
// either by consuming a fresh ws ticket (first join) or by checking the
// node allowlist (reconnect of an already-known node). The bootstrap rule
// — any node is authorized while the mesh has no registered nodes at all —
// lives in admission.Nodes.IsAuthorized and applies transparently here.
func (s *Server) admit(r *http.Request, nodeID string) (schema.Tier, error) {
	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		inviteToken, err := s.tickets.Verify(ticket, nodeID)
		if err != nil {
			return "", err
		}
		tier, err := s.invites.Consume(inviteToken, nodeID)
		if err != nil {
			return "", err
		}
		if err := s.nodes.Register(nodeID, tier, nil, "ticket"); err != nil {
			return "", err
		}
		return tier, nil
	}

	if !s.nodes.IsAuthorized(nodeID) {
		return "", admission.ErrNodeNotAuthorized
	}
	node, ok, err := s.nodes.Get(nodeID)
	if !ok && err == nil {
		// Bootstrap: the mesh has no registered nodes yet, so IsAuthorized
		// admitted this node purely on that basis. Register it now using the
		// tier it self-reports, since no invite exists yet to supply one —
		// every later join goes through the ticket path instead, where the
		// tier comes from the admin-minted invite rather than self-report.
		tier := schema.Tier(r.URL.Query().Get("tier"))
		if err := schema.ValidateTier(tier); err != nil {
			tier = schema.TierEdge
		}
		if err := s.nodes.Register(nodeID, tier, nil, "bootstrap"); err != nil {
			return "", err
		}
		return tier, nil
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return schema.TierEdge, nil
	}
	return node.Tier, nil
}
