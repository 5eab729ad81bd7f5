package pluginhost

import (
	"fmt"
	"os"
	"time"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/tools"
)

// Config is the full set of knobs a host passes to Init. A host embedding
// this module builds one directly; cmd/meshd builds one from flags/env via
// envOrDefault.
type Config struct {
	// NodeID is this process's identity in the mesh.
	NodeID string
	// Tier is backbone (runs the sync server + elected sweeps) or edge
	// (dials out, never elected).
	Tier schema.Tier
	// StateDir holds the persisted CRDT snapshot and the coordinator's
	// session-lock directory.
	StateDir string
	// ListenAddr is the backbone's sync transport listen address. Ignored
	// on edge nodes.
	ListenAddr string
	// PeerURL is the backbone this edge node dials. Ignored on backbone
	// nodes.
	PeerURL string
	// BackbonePeers lists every other backbone's sync URL, so this backbone
	// connects as a client to each one not identified as itself, forming a
	// full mesh among backbones. Ignored on edge nodes.
	BackbonePeers []string
	// TicketSecret seeds the HKDF derivation for this node's WS ticket
	// signing key. Required on backbone nodes.
	TicketSecret []byte
	// Ticket supplies a fresh admission ticket for an edge node's dial
	// attempts. Nil means the edge node relies on the bootstrap-or-already-
	// authorized path instead of a minted ticket.
	Ticket func() (string, error)
	// AdminAgentID names the only agent admitted to admin operations; the
	// caller's node must still carry the "admin" capability. Empty disables
	// the agent check, and a caller with no agent id passes it as well.
	AdminAgentID string
	// AuthMode controls how strictly tool calls must prove caller identity.
	AuthMode tools.AuthMode

	// RetentionWindow overrides coordinator.DefaultClosedTaskRetention.
	RetentionWindow time.Duration
	// SLABudget overrides coordinator.DefaultSLAEscalationBudget (the
	// maxMessagesPerSweep knob).
	SLABudget int
	// SLAEnabled overrides whether the SLA sweep runs at all. Nil means
	// enabled, matching the coordinator's default.
	SLAEnabled *bool
	// SLACadence overrides coordinator.DefaultSLASweepCadence.
	SLACadence time.Duration
	// SLARecordOnly makes the SLA sweep record escalations on the task
	// without emitting breach messages — for dry-running a new SLA policy.
	SLARecordOnly bool
	// SLAFYIAgents is the fallback recipient list for an SLA breach message
	// when the breached task has no creator/claimer to notify.
	SLAFYIAgents []string
	// LockStaleAfter overrides coordinator.DefaultLockStaleAfter.
	LockStaleAfter time.Duration
	// PresenceStaleAfter overrides presence.StaleThreshold.
	PresenceStaleAfter time.Duration
}

// Validate checks the fields every tier requires and the ones specific to
// the configured tier.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("pluginhost: NodeID is required")
	}
	if err := schema.ValidateTier(c.Tier); err != nil {
		return fmt.Errorf("pluginhost: %w", err)
	}
	if c.StateDir == "" {
		return fmt.Errorf("pluginhost: StateDir is required")
	}
	if c.Tier == schema.TierBackbone {
		if c.ListenAddr == "" {
			return fmt.Errorf("pluginhost: ListenAddr is required for a backbone node")
		}
		if len(c.TicketSecret) == 0 {
			return fmt.Errorf("pluginhost: TicketSecret is required for a backbone node")
		}
	}
	if c.Tier == schema.TierEdge && c.PeerURL == "" {
		return fmt.Errorf("pluginhost: PeerURL is required for an edge node")
	}
	return nil
}

// envOrDefault returns the named environment variable, or defaultVal when
// unset or empty.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
