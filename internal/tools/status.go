package tools

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// PeerCounter is satisfied by internal/transport.Hub; defined here rather
// than imported so this package never depends on the transport layer.
type PeerCounter interface {
	PeerCount() int
}

// StatusHandler implements status, advertise_skills, and update_context.
type StatusHandler struct {
	tasks       *crdtdoc.MapHandle
	messages    *crdtdoc.MapHandle
	nodeContext *crdtdoc.MapHandle
	coordination *crdtdoc.MapHandle
	nodes       *crdtdoc.MapHandle
	thisNode    string
	tier        schema.Tier
	peers       PeerCounter
	logger      *zap.Logger
}

// NewStatusHandler binds a StatusHandler to doc's maps. peers may be nil
// when no transport is wired (e.g. unit tests).
func NewStatusHandler(doc *crdtdoc.Doc, thisNode string, tier schema.Tier, peers PeerCounter, logger *zap.Logger) *StatusHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusHandler{
		tasks:        doc.GetMap(schema.MapTasks),
		messages:     doc.GetMap(schema.MapMessages),
		nodeContext:  doc.GetMap(schema.MapNodeContext),
		coordination: doc.GetMap(schema.MapCoordination),
		nodes:        doc.GetMap(schema.MapNodes),
		thisNode:     thisNode,
		tier:         tier,
		peers:        peers,
		logger:       logger.Named("tools.status"),
	}
}

// SetPeerCounter rebinds the peer source after construction — used when the
// transport layer (and its Hub) is not available until Connect runs, after
// the status handler itself was already built during Init.
func (h *StatusHandler) SetPeerCounter(peers PeerCounter) {
	h.peers = peers
}

// StatusReport is the Details payload of the status operation.
type StatusReport struct {
	Node            string         `json:"node"`
	Tier            schema.Tier    `json:"tier"`
	Coordinator     string         `json:"coordinator,omitempty"`
	IsCoordinator   bool           `json:"isCoordinator"`
	ConnectedPeers  int            `json:"connectedPeers"`
	KnownNodes      int            `json:"knownNodes"`
	TasksByStatus   map[string]int `json:"tasksByStatus"`
	MessageCount    int            `json:"messageCount"`
}

// Status reports a snapshot of this node's view of the mesh.
func (h *StatusHandler) Status() (Envelope, error) {
	var coordinator string
	h.coordination.Get(schema.CoordKeyCoordinator, &coordinator)

	counts := map[string]int{}
	_ = h.tasks.Entries(func() any { return new(schema.Task) }, func(_ string, v any) {
		counts[string(v.(*schema.Task).Status)]++
	})

	peerCount := 0
	if h.peers != nil {
		peerCount = h.peers.PeerCount()
	}

	report := StatusReport{
		Node:           h.thisNode,
		Tier:           h.tier,
		Coordinator:    coordinator,
		IsCoordinator:  coordinator == h.thisNode,
		ConnectedPeers: peerCount,
		KnownNodes:     h.nodes.Size(),
		TasksByStatus:  counts,
		MessageCount:   h.messages.Size(),
	}
	return ok(fmt.Sprintf("node %s (%s tier), %d task(s), %d peer(s) connected", h.thisNode, h.tier, h.tasks.Size(), peerCount), report)
}

// AdvertiseSkillsParams holds advertise_skills' inputs.
type AdvertiseSkillsParams struct {
	AgentID string
	Skills  []string
}

// AdvertiseSkills replaces the calling agent's skills list, read by
// delegate_task's skills-lookup assignee resolution.
func (h *StatusHandler) AdvertiseSkills(p AdvertiseSkillsParams) (Envelope, error) {
	if p.AgentID == "" {
		return fail(invalidParams("agentId is required"))
	}
	var ctx schema.NodeContext
	h.nodeContext.Get(p.AgentID, &ctx)
	ctx.Skills = p.Skills
	if _, err := h.nodeContext.Set(p.AgentID, ctx); err != nil {
		return fail(internalErr("persist skills: " + err.Error()))
	}
	return ok(fmt.Sprintf("%s now advertises %d skill(s)", p.AgentID, len(p.Skills)), ctx)
}

// UpdateContextParams holds update_context's inputs.
type UpdateContextParams struct {
	AgentID         string
	CurrentFocus    string
	ActiveThread    *schema.ActiveThread
	Decision        *schema.Decision
}

// UpdateContext updates an agent's focus snapshot, appending bounded
// history entries (cap 10 each).
func (h *StatusHandler) UpdateContext(p UpdateContextParams) (Envelope, error) {
	if p.AgentID == "" {
		return fail(invalidParams("agentId is required"))
	}
	var ctx schema.NodeContext
	h.nodeContext.Get(p.AgentID, &ctx)

	if p.CurrentFocus != "" {
		ctx.CurrentFocus = p.CurrentFocus
	}
	if p.ActiveThread != nil {
		t := *p.ActiveThread
		if t.LastActivity.IsZero() {
			t.LastActivity = time.Now()
		}
		ctx.ActiveThreads = append(ctx.ActiveThreads, t)
		if len(ctx.ActiveThreads) > schema.MaxActiveThreads {
			ctx.ActiveThreads = ctx.ActiveThreads[len(ctx.ActiveThreads)-schema.MaxActiveThreads:]
		}
	}
	if p.Decision != nil {
		d := *p.Decision
		if d.MadeAt.IsZero() {
			d.MadeAt = time.Now()
		}
		ctx.RecentDecisions = append(ctx.RecentDecisions, d)
		if len(ctx.RecentDecisions) > schema.MaxRecentDecisions {
			ctx.RecentDecisions = ctx.RecentDecisions[len(ctx.RecentDecisions)-schema.MaxRecentDecisions:]
		}
	}

	if _, err := h.nodeContext.Set(p.AgentID, ctx); err != nil {
		return fail(internalErr("persist context: " + err.Error()))
	}
	return ok(fmt.Sprintf("updated context for %s", p.AgentID), ctx)
}
