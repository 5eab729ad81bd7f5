// Package pluginhost wires every internal component — crdtdoc, store,
// admission, transport, dispatcher, presence, retention, coordinator, and
// the tools command surface — into one running mesh node, and exposes the
// host-plugin contract a surrounding process uses to embed it:
// registerService, registerTool, and an on("before_agent_start", ...) hook.
// Lifecycle is Init → LoadPersisted → Connect → StartServices → Stop.
package pluginhost

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/admission"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/coordinator"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/dispatcher"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/presence"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/retention"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/store"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/tools"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/transport"
)

// Host owns one mesh node's full component graph for the lifetime of a
// process (or a host-embedded plugin instance).
type Host struct {
	cfg    Config
	logger *zap.Logger

	doc     *crdtdoc.Doc
	storage *store.Store
	metrics *Metrics

	nodes        *admission.Nodes
	nodeInvites  *admission.NodeInvites
	agents       *admission.Agents
	agentInvites *admission.AgentInvites
	admin        *admission.AdminGate
	tickets      *admission.TicketIssuer

	hub          *transport.Hub
	server       *transport.Server
	httpServer   *http.Server
	client       *transport.Client
	peerClients  []*transport.Client
	clientCancel context.CancelFunc

	presenceTracker *presence.Tracker
	retentionSweep  *retention.Sweeper
	coord           *coordinator.Coordinator
	dispatch        *dispatcher.Dispatcher

	tasks         *tools.TaskHandler
	messages      *tools.MessageHandler
	status        *tools.StatusHandler
	coordination  *tools.CoordinationHandler
	agentsTool    *tools.AgentHandler
	adminTool     *tools.AdminHandler

	reply         ReplyFunc
	beforeStarts  []func(agentID string) error
}

// Init validates cfg and constructs every component, wiring cross-component
// dependencies (admission into transport, tools into everything). It does
// not touch disk or the network — that happens in LoadPersisted and
// Connect.
func Init(cfg Config, logger *zap.Logger, metricsReg prometheus.Registerer) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("pluginhost").With(zap.String("node", cfg.NodeID), zap.String("tier", string(cfg.Tier)))

	doc := crdtdoc.NewDoc(cfg.NodeID, logger)

	stg, err := store.New(cfg.StateDir, doc, logger)
	if err != nil {
		return nil, fmt.Errorf("pluginhost: init store: %w", err)
	}

	h := &Host{
		cfg:          cfg,
		logger:       logger,
		doc:          doc,
		storage:      stg,
		metrics:      NewMetrics(metricsReg),
		nodes:        admission.NewNodes(doc),
		nodeInvites:  admission.NewNodeInvites(doc),
		agents:       admission.NewAgents(doc),
		agentInvites: admission.NewAgentInvites(doc),
		admin:        admission.NewAdminGate(doc, cfg.AdminAgentID),
	}

	h.presenceTracker = presence.New(doc, logger)
	if cfg.PresenceStaleAfter > 0 {
		h.presenceTracker.SetStaleThreshold(cfg.PresenceStaleAfter)
	}

	h.retentionSweep = retention.New(doc, logger)
	h.retentionSweep.SetOnPrune(func(n int) { h.metrics.RetentionPruned.Add(float64(n)) })

	coord, err := coordinator.New(doc, cfg.NodeID, cfg.Tier, cfg.StateDir, logger)
	if err != nil {
		return nil, fmt.Errorf("pluginhost: init coordinator: %w", err)
	}
	if cfg.RetentionWindow > 0 {
		coord.SetRetentionWindow(cfg.RetentionWindow)
	}
	if cfg.SLABudget > 0 {
		coord.SetSLABudget(cfg.SLABudget)
	}
	if cfg.SLAEnabled != nil {
		coord.SetSLAEnabled(*cfg.SLAEnabled)
	}
	if cfg.SLACadence > 0 {
		coord.SetSLACadence(cfg.SLACadence)
	}
	coord.SetSLARecordOnly(cfg.SLARecordOnly)
	if len(cfg.SLAFYIAgents) > 0 {
		coord.SetSLAFYIAgents(cfg.SLAFYIAgents)
	}
	if cfg.LockStaleAfter > 0 {
		coord.SetLockStaleAfter(cfg.LockStaleAfter)
	}
	coord.SetOnEscalate(func(kind string) { h.metrics.SLABreachesRaised.WithLabelValues(kind).Inc() })
	coord.SetOnLockRemoved(func(n int) { h.metrics.LockSweepsRemoved.Add(float64(n)) })
	h.coord = coord

	h.dispatch = dispatcher.New(doc, cfg.NodeID, hostDeliverer{reply: func(agentID, kind string, payload any) error {
		if h.reply == nil {
			return fmt.Errorf("pluginhost: no channel.reply facade registered")
		}
		return h.reply(agentID, kind, payload)
	}}, h.localAgentIDs, logger)
	h.dispatch.SetOnAttempt(func(kind string, err error) {
		h.metrics.DeliveryAttempts.WithLabelValues(kind).Inc()
		if err != nil {
			h.metrics.DeliveryFailures.WithLabelValues(kind).Inc()
		}
	})

	h.tasks = tools.NewTaskHandler(doc, h.agents, cfg.NodeID, cfg.AuthMode, logger)
	h.messages = tools.NewMessageHandler(doc, h.agents, h.admin, cfg.NodeID, cfg.AuthMode, logger)
	h.coordination = tools.NewCoordinationHandler(doc, logger)
	h.agentsTool = tools.NewAgentHandler(doc, h.agents, h.agentInvites, cfg.NodeID, logger)
	h.adminTool = tools.NewAdminHandler(doc, h.admin, logger)

	var peerCounter tools.PeerCounter
	if cfg.Tier == schema.TierBackbone {
		tickets, err := admission.NewTicketIssuer(doc, cfg.TicketSecret, cfg.NodeID)
		if err != nil {
			return nil, fmt.Errorf("pluginhost: init ticket issuer: %w", err)
		}
		h.tickets = tickets

		h.server = transport.NewServer(doc, cfg.NodeID, cfg.Tier, tickets, h.nodeInvites, h.nodes, logger)
		h.hub = h.server.Hub()
		h.server.OnPeerSynced(func(nodeID string) {
			logger.Info("peer synced", zap.String("peer", nodeID))
		})
		peerCounter = h.hub
	}

	h.status = tools.NewStatusHandler(doc, cfg.NodeID, cfg.Tier, peerCounter, logger)

	return h, nil
}

// localAgentIDs returns every agent id this node hosts internally — the
// dispatcher's only candidate receiver set.
func (h *Host) localAgentIDs() []string {
	agentsMap := h.doc.GetMap(schema.MapAgents)
	var ids []string
	_ = agentsMap.Entries(func() any { return new(schema.AgentRecord) }, func(key string, v any) {
		rec := v.(*schema.AgentRecord)
		if rec.Type == schema.AgentInternal && rec.Gateway == h.cfg.NodeID {
			ids = append(ids, key)
		}
	})
	return ids
}

// LoadPersisted restores the CRDT snapshot from disk, if any.
func (h *Host) LoadPersisted() error {
	return h.storage.Load()
}

// Connect starts the sync transport: a backbone node starts its WebSocket
// server and dials every other configured backbone peer as a client,
// forming a full mesh; an edge node only starts its reconnecting client
// against cfg.PeerURL. ctx governs every outbound client's reconnect loop
// lifetime; Stop also cancels it.
func (h *Host) Connect(ctx context.Context) error {
	if h.cfg.Tier == schema.TierBackbone {
		h.server.Start()
		h.httpServer = &http.Server{
			Addr:         h.cfg.ListenAddr,
			Handler:      h.server.Router(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				h.logger.Error("sync transport listener stopped", zap.Error(err))
			}
		}()
		h.logger.Info("backbone sync transport listening", zap.String("addr", h.cfg.ListenAddr))

		peerCtx, cancel := context.WithCancel(ctx)
		h.clientCancel = cancel
		for _, peerURL := range h.cfg.BackbonePeers {
			if peerURL == "" || transport.IsSelfURL(peerURL, h.cfg.NodeID) {
				continue
			}
			h.dialPeer(peerCtx, peerURL)
		}
		return nil
	}

	h.hub = transport.NewHub(h.logger)
	go h.hub.Run()
	h.status.SetPeerCounter(h.hub)

	clientCtx, cancel := context.WithCancel(ctx)
	h.clientCancel = cancel
	h.client = h.newPeerClient(h.cfg.PeerURL)
	go h.client.Run(clientCtx)
	return nil
}

// dialPeer starts a reconnecting client against peerURL and tracks it
// alongside the other backbones this node mesh-connects to.
func (h *Host) dialPeer(ctx context.Context, peerURL string) {
	client := h.newPeerClient(peerURL)
	h.peerClients = append(h.peerClients, client)
	go client.Run(ctx)
}

// newPeerClient builds a Client dialing peerURL, wired to this node's shared
// Hub and connected-peers gauge.
func (h *Host) newPeerClient(peerURL string) *transport.Client {
	client := transport.NewClient(transport.ClientConfig{
		ServerURL: peerURL,
		SelfNode:  h.cfg.NodeID,
		SelfTier:  h.cfg.Tier,
		Ticket:    h.cfg.Ticket,
	}, h.doc, h.hub, h.logger)
	client.OnStatusChange(func(connected bool) {
		if connected {
			h.metrics.ConnectedPeers.Inc()
		} else {
			h.metrics.ConnectedPeers.Dec()
		}
	})
	return client
}

// StartServices starts the debounced store writer, retention, the
// dispatcher, and — on backbone nodes only — the coordinator claim and its
// sweeps. Presence heartbeats start per agent in StartLocalAgent.
func (h *Host) StartServices() error {
	if err := h.storage.Start(); err != nil {
		return fmt.Errorf("pluginhost: start store: %w", err)
	}
	if err := h.retentionSweep.Start(); err != nil {
		return fmt.Errorf("pluginhost: start retention: %w", err)
	}
	h.dispatch.Start()

	if h.cfg.Tier == schema.TierBackbone {
		if _, err := h.coord.Claim(); err != nil {
			return fmt.Errorf("pluginhost: claim coordinator: %w", err)
		}
		if err := h.coord.Start(); err != nil {
			return fmt.Errorf("pluginhost: start coordinator: %w", err)
		}
		h.metrics.CoordinatorElected.Set(boolToFloat(h.coord.IsElected()))
	}
	return nil
}

// Stop shuts down every component and persists a final snapshot, returning
// an aggregated error (via go.uber.org/multierr) rather than stopping at
// the first failure — a partial shutdown should still attempt everything
// else.
func (h *Host) Stop() error {
	var errs error

	h.dispatch.Stop()
	h.retentionSweep.Stop()

	if h.cfg.Tier == schema.TierBackbone {
		if h.clientCancel != nil {
			h.clientCancel()
		}
		if err := h.coord.Stop(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("coordinator stop: %w", err))
		}
		if h.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.httpServer.Shutdown(ctx); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("http server shutdown: %w", err))
			}
		}
		if h.server != nil {
			h.server.Stop()
		}
	} else {
		if h.clientCancel != nil {
			h.clientCancel()
		}
		if h.hub != nil {
			h.hub.Stop()
		}
	}

	if err := h.storage.Stop(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("store stop: %w", err))
	}
	return errs
}

// InviteNode mints a node invite and, on a backbone node, the matching
// pre-upgrade WS ticket an invited node presents on its first connect —
// node admission has no chat-surface tool — that command surface is
// agent-facing — so the host drives it directly through this method, e.g.
// from its own operator-facing surface.
func (h *Host) InviteNode(tier schema.Tier, createdBy, expectedNodeID string) (inviteToken, ticket string, err error) {
	inviteToken, err = h.nodeInvites.Mint(tier, createdBy, expectedNodeID, 0)
	if err != nil {
		return "", "", fmt.Errorf("pluginhost: mint node invite: %w", err)
	}
	if h.tickets == nil {
		return inviteToken, "", nil
	}
	ticket, err = h.tickets.Mint(inviteToken, expectedNodeID, createdBy)
	if err != nil {
		return "", "", fmt.Errorf("pluginhost: mint ws ticket: %w", err)
	}
	return inviteToken, ticket, nil
}

// Doc exposes the underlying CRDT document for advanced host integrations
// (e.g. a host-side admin UI reading raw snapshots).
func (h *Host) Doc() *crdtdoc.Doc { return h.doc }

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
