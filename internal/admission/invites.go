package admission

import (
	"fmt"
	"time"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// NodeInviteTTL is the default validity window for a node invite.
const NodeInviteTTL = 24 * time.Hour

// NodeInvites mints and consumes PendingInvite records stored in the
// "pendingInvites" map.
type NodeInvites struct {
	invites *crdtdoc.MapHandle
}

// NewNodeInvites binds to the pendingInvites map of doc.
func NewNodeInvites(doc *crdtdoc.Doc) *NodeInvites {
	return &NodeInvites{invites: doc.GetMap(schema.MapPendingInvites)}
}

// Mint creates a single-use invite token for tier, optionally pinned to
// expectedNodeID (empty means any presenting node may consume it).
func (n *NodeInvites) Mint(tier schema.Tier, createdBy, expectedNodeID string, ttl time.Duration) (string, error) {
	if err := schema.ValidateTier(tier); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = NodeInviteTTL
	}
	token, err := GenerateToken("inv_")
	if err != nil {
		return "", err
	}
	rec := schema.PendingInvite{
		Tier:           tier,
		ExpiresAt:      time.Now().Add(ttl),
		CreatedBy:      createdBy,
		ExpectedNodeID: expectedNodeID,
	}
	if _, err := n.invites.Set(token, rec); err != nil {
		return "", fmt.Errorf("admission: minting node invite: %w", err)
	}
	return token, nil
}

// Consume validates and marks an invite used by presentingNodeID, returning
// the invite's tier for the caller to apply to the new Node record. An
// invite is single-use: a second Consume call with the same token fails
// with ErrInviteAlreadyUsed.
func (n *NodeInvites) Consume(token, presentingNodeID string) (schema.Tier, error) {
	var rec schema.PendingInvite
	ok, err := n.invites.Get(token, &rec)
	if err != nil {
		return "", fmt.Errorf("admission: decoding invite: %w", err)
	}
	if !ok {
		return "", ErrInviteNotFound
	}
	if rec.UsedAt != nil {
		return "", ErrInviteAlreadyUsed
	}
	if time.Now().After(rec.ExpiresAt) {
		return "", ErrInviteExpired
	}
	if rec.ExpectedNodeID != "" && rec.ExpectedNodeID != presentingNodeID {
		return "", ErrInviteNodeMismatch
	}

	now := time.Now()
	rec.UsedAt = &now
	rec.UsedByNode = presentingNodeID
	if _, err := n.invites.Set(token, rec); err != nil {
		return "", fmt.Errorf("admission: recording invite use: %w", err)
	}
	return rec.Tier, nil
}

// AgentInviteTTL is the default validity window for an agent invite.
const AgentInviteTTL = 7 * 24 * time.Hour

// AgentInvites mints and consumes AgentInvite records stored in the
// "agentInvites" map, minting a permanent agent token on acceptance.
type AgentInvites struct {
	invites *crdtdoc.MapHandle
}

// NewAgentInvites binds to the agentInvites map of doc.
func NewAgentInvites(doc *crdtdoc.Doc) *AgentInvites {
	return &AgentInvites{invites: doc.GetMap(schema.MapAgentInvites)}
}

// Mint creates an agent invite for agentID, returning the ait_* token to
// hand to the invitee out of band.
func (a *AgentInvites) Mint(agentID, createdBy, createdByAgent string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = AgentInviteTTL
	}
	token, err := GenerateToken("ait_")
	if err != nil {
		return "", err
	}
	rec := schema.AgentInvite{
		AgentID:        agentID,
		TokenHash:      HashToken(token),
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(ttl),
		CreatedBy:      createdBy,
		CreatedByAgent: createdByAgent,
	}
	if _, err := a.invites.Set(token, rec); err != nil {
		return "", fmt.Errorf("admission: minting agent invite: %w", err)
	}
	return token, nil
}

// Accept validates an agent invite token and returns the agent id it grants,
// marking the invite consumed. Callers must separately mint a permanent
// agent token (IssueAgentToken) and attach it to the named AgentRecord.
func (a *AgentInvites) Accept(token, usedByNode, usedByAgent string) (agentID string, err error) {
	var rec schema.AgentInvite
	ok, err := a.invites.Get(token, &rec)
	if err != nil {
		return "", fmt.Errorf("admission: decoding agent invite: %w", err)
	}
	if !ok {
		return "", ErrAgentInviteNotFound
	}
	if rec.RevokedAt != nil {
		return "", ErrAgentInviteRevoked
	}
	if rec.UsedAt != nil {
		return "", ErrAgentInviteUsed
	}
	if time.Now().After(rec.ExpiresAt) {
		return "", ErrAgentInviteExpired
	}
	if HashToken(token) != rec.TokenHash {
		return "", ErrAgentTokenInvalid
	}

	now := time.Now()
	rec.UsedAt = &now
	rec.UsedByNode = usedByNode
	rec.UsedByAgent = usedByAgent
	if _, err := a.invites.Set(token, rec); err != nil {
		return "", fmt.Errorf("admission: recording agent invite use: %w", err)
	}
	return rec.AgentID, nil
}

// Revoke marks a pending agent invite unusable, recording reason for audit.
func (a *AgentInvites) Revoke(token, reason string) error {
	var rec schema.AgentInvite
	ok, err := a.invites.Get(token, &rec)
	if err != nil {
		return fmt.Errorf("admission: decoding agent invite: %w", err)
	}
	if !ok {
		return ErrAgentInviteNotFound
	}
	now := time.Now()
	rec.RevokedAt = &now
	rec.RevokedReason = reason
	_, err = a.invites.Set(token, rec)
	return err
}
