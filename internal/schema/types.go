// Package schema defines the typed records stored in the shared document's
// named maps, the bounds every mutating operation enforces, and
// prefix-based key resolution for user-supplied short ids.
package schema

import "time"

// Tier identifies whether a Node is always-on (Backbone) or intermittently
// connected (Edge).
type Tier string

const (
	TierBackbone Tier = "backbone"
	TierEdge     Tier = "edge"
)

// TaskStatus is the monotone lifecycle state of a Task:
// pending → claimed → in_progress → (completed|failed).
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskClaimed    TaskStatus = "claimed"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// DeliveryState is attempted until the host agent runtime confirms receipt.
type DeliveryState string

const (
	DeliveryAttempted DeliveryState = "attempted"
	DeliveryDelivered DeliveryState = "delivered"
)

// AgentType distinguishes agents that run on a specific gateway and receive
// automatic dispatch (Internal) from agents that poll for work (External).
type AgentType string

const (
	AgentInternal AgentType = "internal"
	AgentExternal AgentType = "external"
)

// PulseStatus is the presence status reported in a Pulse submap.
type PulseStatus string

const (
	PulseOnline  PulseStatus = "online"
	PulseBusy    PulseStatus = "busy"
	PulseOffline PulseStatus = "offline"
)

// Node is a process-level identity participating in the mesh.
type Node struct {
	Name         string    `json:"name"`
	Tier         Tier      `json:"tier"`
	Capabilities []string  `json:"capabilities,omitempty"`
	AddedBy      string    `json:"addedBy"`
	AddedAt      time.Time `json:"addedAt"`
}

// HasCapability reports whether the node advertises cap (e.g. "admin").
func (n Node) HasCapability(cap string) bool {
	for _, c := range n.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// PendingInvite is a single-use, time-bounded node admission credential.
type PendingInvite struct {
	Tier            Tier       `json:"tier"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	CreatedBy       string     `json:"createdBy"`
	ExpectedNodeID  string     `json:"expectedNodeId,omitempty"`
	UsedByNode      string     `json:"usedByNode,omitempty"`
	UsedAt          *time.Time `json:"usedAt,omitempty"`
}

// WsTicket is a short-TTL pre-upgrade admission credential.
type WsTicket struct {
	Ticket         string     `json:"ticket"`
	InviteToken    string     `json:"inviteToken"`
	ExpectedNodeID string     `json:"expectedNodeId"`
	CreatedBy      string     `json:"createdBy"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	UsedAt         *time.Time `json:"usedAt,omitempty"`
}

// AgentAuth is the optional token-binding block of an AgentRecord.
type AgentAuth struct {
	TokenHash      string     `json:"tokenHash"`
	IssuedAt       time.Time  `json:"issuedAt"`
	RotatedAt      *time.Time `json:"rotatedAt,omitempty"`
	TokenHint      string     `json:"tokenHint"`
	AcceptedAt     *time.Time `json:"acceptedAt,omitempty"`
	AcceptedByNode string     `json:"acceptedByNode,omitempty"`
	AcceptedByAgent string    `json:"acceptedByAgent,omitempty"`
}

// AgentRecord is a coordination endpoint: either internal (runs on a
// specific gateway, receives auto-dispatch) or external (polls).
type AgentRecord struct {
	Name         string     `json:"name,omitempty"`
	Gateway      string     `json:"gateway,omitempty"`
	Type         AgentType  `json:"type"`
	RegisteredAt time.Time  `json:"registeredAt"`
	RegisteredBy string     `json:"registeredBy"`
	Auth         *AgentAuth `json:"auth,omitempty"`
}

// AgentInvite mints a permanent agent token on acceptance.
type AgentInvite struct {
	AgentID         string     `json:"agent_id"`
	TokenHash       string     `json:"tokenHash"`
	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	CreatedBy       string     `json:"createdBy"`
	CreatedByAgent  string     `json:"createdByAgent,omitempty"`
	UsedAt          *time.Time `json:"usedAt,omitempty"`
	UsedByNode      string     `json:"usedByNode,omitempty"`
	UsedByAgent     string     `json:"usedByAgent,omitempty"`
	RevokedAt       *time.Time `json:"revokedAt,omitempty"`
	RevokedReason   string     `json:"revokedReason,omitempty"`
}

// TaskUpdate is one entry in a Task's bounded update history (cap 50,
// newest first).
type TaskUpdate struct {
	At      time.Time  `json:"at"`
	ByAgent string     `json:"by_agent"`
	Status  TaskStatus `json:"status"`
	Note    string     `json:"note,omitempty"`
}

// MaxTaskUpdates bounds Task.Updates.
const MaxTaskUpdates = 50

// DeliveryRecord is the per-receiver ledger entry backing at-most-once
// successful delivery.
type DeliveryRecord struct {
	State      DeliveryState `json:"state"`
	At         time.Time     `json:"at"`
	By         string        `json:"by"`
	Attempts   int           `json:"attempts"`
	LastError  string        `json:"lastError,omitempty"`
}

// MaxDeliveryAttempts is the permanent-drop threshold for a delivery that
// keeps failing.
const MaxDeliveryAttempts = 15

// Task is a unit of work assignable to one or more agents.
type Task struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	Status          TaskStatus        `json:"status"`
	CreatedByAgent  string            `json:"createdBy_agent"`
	CreatedByNode   string            `json:"createdBy_node,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	AssignedToAgent string            `json:"assignedTo_agent,omitempty"`
	AssignedToAgents []string         `json:"assignedTo_agents,omitempty"`
	Requires        []string          `json:"requires,omitempty"`
	SkillRequired   string            `json:"skillRequired,omitempty"`
	Intent          string            `json:"intent,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	ClaimedByAgent  string            `json:"claimedBy_agent,omitempty"`
	ClaimedByNode   string            `json:"claimedBy_node,omitempty"`
	ClaimedAt       *time.Time        `json:"claimedAt,omitempty"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
	Result          string            `json:"result,omitempty"`
	Context         string            `json:"context,omitempty"`
	UpdatedAt       *time.Time        `json:"updatedAt,omitempty"`
	Updates         []TaskUpdate      `json:"updates,omitempty"`
	Delivery        map[string]DeliveryRecord `json:"delivery,omitempty"`
}

// Assignees returns the union of AssignedToAgent and AssignedToAgents.
func (t Task) Assignees() []string {
	var out []string
	if t.AssignedToAgent != "" {
		out = append(out, t.AssignedToAgent)
	}
	out = append(out, t.AssignedToAgents...)
	return out
}

// IsAssignedTo reports whether agent is among the task's explicit assignees.
func (t Task) IsAssignedTo(agent string) bool {
	for _, a := range t.Assignees() {
		if a == agent {
			return true
		}
	}
	return false
}

// CloseTime is the instant a terminal task is considered closed, used by
// retention: completedAt, falling back to updatedAt, falling back to
// createdAt.
func (t Task) CloseTime() time.Time {
	if t.CompletedAt != nil {
		return *t.CompletedAt
	}
	if t.UpdatedAt != nil {
		return *t.UpdatedAt
	}
	return t.CreatedAt
}

// Message is a unit of agent-to-agent communication; an empty ToAgents means
// broadcast to all local receivers.
type Message struct {
	ID            string                    `json:"id"`
	FromAgent     string                    `json:"from_agent"`
	FromNode      string                    `json:"from_node,omitempty"`
	ToAgents      []string                  `json:"to_agents,omitempty"`
	Intent        string                    `json:"intent,omitempty"`
	Content       string                    `json:"content"`
	Timestamp     time.Time                 `json:"timestamp"`
	UpdatedAt     *time.Time                `json:"updatedAt,omitempty"`
	ReadByAgents  []string                  `json:"readBy_agents,omitempty"`
	// ReadBy is the legacy node-id-keyed form some older records used;
	// readers must accept both.
	ReadBy        []string                  `json:"readBy,omitempty"`
	Metadata      map[string]any            `json:"metadata,omitempty"`
	Delivery      map[string]DeliveryRecord `json:"delivery,omitempty"`
}

// IsBroadcast reports whether the message has no explicit recipient list.
func (m Message) IsBroadcast() bool { return len(m.ToAgents) == 0 }

// Addressed reports whether recipient is explicitly addressed, or the
// message is a broadcast.
func (m Message) Addressed(recipient string) bool {
	if m.IsBroadcast() {
		return true
	}
	for _, a := range m.ToAgents {
		if a == recipient {
			return true
		}
	}
	return false
}

// HasRead reports whether recipient has read the message, accepting both
// the current (ReadByAgents) and legacy (ReadBy) forms, and the delivery
// ledger's delivered state — readBy and delivery.delivered must always
// agree for the same recipient.
func (m Message) HasRead(recipient string) bool {
	for _, a := range m.ReadByAgents {
		if a == recipient {
			return true
		}
	}
	for _, a := range m.ReadBy {
		if a == recipient {
			return true
		}
	}
	if d, ok := m.Delivery[recipient]; ok && d.State == DeliveryDelivered {
		return true
	}
	return false
}

// ActiveThread is one entry of NodeContext.ActiveThreads (cap 10).
type ActiveThread struct {
	ID           string    `json:"id"`
	Summary      string    `json:"summary"`
	LastActivity time.Time `json:"lastActivity"`
}

// Decision is one entry of NodeContext.RecentDecisions (cap 10).
type Decision struct {
	Decision  string    `json:"decision"`
	Reasoning string    `json:"reasoning"`
	MadeAt    time.Time `json:"madeAt"`
}

const (
	MaxActiveThreads   = 10
	MaxRecentDecisions = 10
)

// NodeContext is a per-agent focus snapshot used by skill-based dispatch
// and agent introspection tooling.
type NodeContext struct {
	CurrentFocus     string         `json:"currentFocus,omitempty"`
	ActiveThreads    []ActiveThread `json:"activeThreads,omitempty"`
	RecentDecisions  []Decision     `json:"recentDecisions,omitempty"`
	Skills           []string       `json:"skills,omitempty"`
}

// HasSkill reports whether the context advertises skill.
func (c NodeContext) HasSkill(skill string) bool {
	for _, s := range c.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

// Pulse fields, stored as independent submap entries rather than as a
// struct that gets replaced wholesale — see crdtdoc.MapHandle.SubmapSet.
const (
	PulseFieldStatus      = "status"
	PulseFieldLastSeen    = "lastSeen"
	PulseFieldVersion     = "version"
	PulseFieldCurrentTask = "currentTask"
)

// PulseSnapshot is the decoded view of one agent's Pulse submap fields.
type PulseSnapshot struct {
	Status      PulseStatus `json:"status"`
	LastSeen    time.Time   `json:"lastSeen"`
	Version     int         `json:"version,omitempty"`
	CurrentTask string      `json:"currentTask,omitempty"`
}

// SLA is the optional metadata.ansible.sla block scanned by the coordinator
// SLA sweep.
type SLA struct {
	AcceptByAt         *time.Time        `json:"acceptByAt,omitempty"`
	ProgressByAt       *time.Time        `json:"progressByAt,omitempty"`
	CompleteByAt       *time.Time        `json:"completeByAt,omitempty"`
	Escalations        *SLAEscalations   `json:"escalations,omitempty"`
	EscalationOutcomes map[string]string `json:"escalationOutcomes,omitempty"`
}

// SLAEscalations records which breach types have already fired, so the
// sweep never double-escalates the same breach.
type SLAEscalations struct {
	AcceptAt   *time.Time `json:"acceptAt,omitempty"`
	ProgressAt *time.Time `json:"progressAt,omitempty"`
	CompleteAt *time.Time `json:"completeAt,omitempty"`
}

// Coordination namespace keys — flat key/value pairs in the "coordination"
// map.
const (
	CoordKeyCoordinator                  = "coordinator"
	CoordKeySweepEverySeconds            = "sweepEverySeconds"
	CoordKeyRetentionClosedTaskSeconds   = "retentionClosedTaskSeconds"
	CoordKeyRetentionPruneEverySeconds   = "retentionPruneEverySeconds"
	CoordKeyRetentionLastPruneAt         = "retentionLastPruneAt"
	CoordKeyDelegationPolicyVersion      = "delegationPolicyVersion"
	CoordKeyDelegationPolicyChecksum     = "delegationPolicyChecksum"
	CoordKeyDelegationPolicyMarkdown     = "delegationPolicyMarkdown"
	CoordKeyDelegationPolicyUpdatedAt    = "delegationPolicyUpdatedAt"
	CoordKeyDelegationPolicyUpdatedBy    = "delegationPolicyUpdatedBy"
	CoordKeySLASweepLastAt               = "slaSweepLastAt"
	CoordKeySLASweepLastBreachCount      = "slaSweepLastBreachCount"
	CoordKeySLASweepLastEscalationsWritten = "slaSweepLastEscalationsWritten"
)

// DelegationAckKey builds the "delegationAck:<agentId>:<field>" key family.
func DelegationAckKey(agentID, field string) string {
	return "delegationAck:" + agentID + ":" + field
}

// NodePrefKey builds the "pref:<nodeId>" key.
func NodePrefKey(nodeID string) string {
	return "pref:" + nodeID
}

// NodePref is the decoded value at NodePrefKey.
type NodePref struct {
	DesiredCoordinator        string    `json:"desiredCoordinator,omitempty"`
	DesiredSweepEverySeconds  int       `json:"desiredSweepEverySeconds,omitempty"`
	UpdatedAt                 time.Time `json:"updatedAt"`
}

// Map names — the set of named CRDT maps that make up the shared document.
const (
	MapNodes          = "nodes"
	MapPendingInvites = "pendingInvites"
	MapAuthTickets    = "authTickets"
	MapAgents         = "agents"
	MapAgentInvites   = "agentInvites"
	MapTasks          = "tasks"
	MapMessages       = "messages"
	MapNodeContext    = "nodeContext"
	MapPulse          = "pulse"
	MapCoordination   = "coordination"
)
