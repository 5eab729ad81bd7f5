package admission

import (
	"time"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// HeartbeatAuthorizationWindow is how recently a pulse must have been seen
// for "active heartbeat" authorization to apply, independent of the
// allowlist: a node is authorized if it's on the allowlist, OR has an
// active heartbeat, OR hosts a registered internal agent.
const HeartbeatAuthorizationWindow = 5 * time.Minute

// Nodes answers node-authorization questions against the nodes, pulse, and
// agents maps.
type Nodes struct {
	nodes  *crdtdoc.MapHandle
	pulse  *crdtdoc.MapHandle
	agents *crdtdoc.MapHandle
}

// NewNodes binds to doc's nodes, pulse, and agents maps.
func NewNodes(doc *crdtdoc.Doc) *Nodes {
	return &Nodes{
		nodes:  doc.GetMap(schema.MapNodes),
		pulse:  doc.GetMap(schema.MapPulse),
		agents: doc.GetMap(schema.MapAgents),
	}
}

// IsAuthorized reports whether nodeID may participate in the mesh: it is
// on the allowlist, or it has heartbeated within HeartbeatAuthorizationWindow,
// or it hosts at least one registered internal agent. If the mesh has no
// nodes registered yet at all, any presenting node is authorized — this is
// the bootstrap rule that lets the very first node join without a
// chicken-and-egg invite step.
func (n *Nodes) IsAuthorized(nodeID string) bool {
	if n.nodes.Size() == 0 {
		return true
	}
	if n.nodes.Has(nodeID) {
		return true
	}
	if n.hasActiveHeartbeat(nodeID) {
		return true
	}
	return n.hostsInternalAgent(nodeID)
}

func (n *Nodes) hasActiveHeartbeat(nodeID string) bool {
	var pulse schema.PulseSnapshot
	ok, err := n.pulse.SubmapGet(nodeID, &pulse)
	if err != nil || !ok {
		return false
	}
	return time.Since(pulse.LastSeen) <= HeartbeatAuthorizationWindow
}

func (n *Nodes) hostsInternalAgent(nodeID string) bool {
	var found bool
	_ = n.agents.Entries(func() any { return new(schema.AgentRecord) }, func(_ string, v any) {
		rec := v.(*schema.AgentRecord)
		if rec.Type == schema.AgentInternal && rec.Gateway == nodeID {
			found = true
		}
	})
	return found
}

// Register writes or overwrites a Node record after its invite has been
// accepted (see NodeInvites.Consume, which supplies tier).
func (n *Nodes) Register(nodeID string, tier schema.Tier, capabilities []string, addedBy string) error {
	if err := schema.ValidateTier(tier); err != nil {
		return err
	}
	rec := schema.Node{
		Name:         nodeID,
		Tier:         tier,
		Capabilities: capabilities,
		AddedBy:      addedBy,
		AddedAt:      time.Now(),
	}
	_, err := n.nodes.Set(nodeID, rec)
	return err
}

// Get decodes the Node record for nodeID.
func (n *Nodes) Get(nodeID string) (schema.Node, bool, error) {
	var rec schema.Node
	ok, err := n.nodes.Get(nodeID, &rec)
	return rec, ok, err
}
