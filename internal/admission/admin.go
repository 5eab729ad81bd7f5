package admission

import (
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// CapabilityAdmin is the Node.Capabilities entry required, alongside a
// matching adminAgentId, to call admin-only tools (dump_state,
// delete_messages, ...).
const CapabilityAdmin = "admin"

// AdminGate decides whether a caller may invoke admin-only tool operations.
// A caller is admin if its node carries the "admin" capability AND either
// it is calling as the configured adminAgentId, or it authenticated via a
// node-level channel (no agent token) on that admin node — mirroring the
// spec's "internal-on-node-or-token-authenticated" admin rule.
type AdminGate struct {
	nodes        *crdtdoc.MapHandle
	adminAgentID string
}

// NewAdminGate binds to doc's nodes map and the configured admin agent id
// (empty disables the agent-identity check, requiring only node capability).
func NewAdminGate(doc *crdtdoc.Doc, adminAgentID string) *AdminGate {
	return &AdminGate{nodes: doc.GetMap(schema.MapNodes), adminAgentID: adminAgentID}
}

// Allow reports whether a caller on nodeID, authenticated as callerAgentID
// (empty if node-authenticated with no agent token attached), may perform
// an admin operation.
func (g *AdminGate) Allow(nodeID, callerAgentID string) (bool, error) {
	var node schema.Node
	ok, err := g.nodes.Get(nodeID, &node)
	if err != nil {
		return false, err
	}
	if !ok || !node.HasCapability(CapabilityAdmin) {
		return false, nil
	}
	if g.adminAgentID == "" {
		return true, nil
	}
	if callerAgentID == "" {
		return true, nil
	}
	return callerAgentID == g.adminAgentID, nil
}
