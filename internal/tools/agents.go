package tools

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/admission"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// AgentHandler implements register_agent, issue_agent_token, invite_agent,
// accept_agent_invite, list_agents, and list_agent_invites.
type AgentHandler struct {
	agentsMap    *crdtdoc.MapHandle
	agentInvites *crdtdoc.MapHandle
	agents       *admission.Agents
	invites      *admission.AgentInvites
	thisNode     string
	logger       *zap.Logger
}

// NewAgentHandler binds an AgentHandler to doc's agent maps.
func NewAgentHandler(doc *crdtdoc.Doc, agents *admission.Agents, invites *admission.AgentInvites, thisNode string, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{
		agentsMap:    doc.GetMap(schema.MapAgents),
		agentInvites: doc.GetMap(schema.MapAgentInvites),
		agents:       agents,
		invites:      invites,
		thisNode:     thisNode,
		logger:       logger.Named("tools.agents"),
	}
}

// RegisterAgentParams holds register_agent's inputs.
type RegisterAgentParams struct {
	AgentID      string
	Type         schema.AgentType
	Gateway      string
	RegisteredBy string
}

// RegisterAgent writes an AgentRecord, internal agents defaulting their
// gateway to this node when unset.
func (h *AgentHandler) RegisterAgent(p RegisterAgentParams) (Envelope, error) {
	if p.AgentID == "" {
		return fail(invalidParams("agentId is required"))
	}
	if err := schema.ValidateAgentType(p.Type); err != nil {
		return fail(invalidParams(err.Error()))
	}
	gateway := p.Gateway
	if gateway == "" && p.Type == schema.AgentInternal {
		gateway = h.thisNode
	}
	if err := h.agents.Register(p.AgentID, p.Type, gateway, p.RegisteredBy); err != nil {
		return fail(internalErr(err.Error()))
	}
	return ok(fmt.Sprintf("registered agent %s (%s)", p.AgentID, p.Type), p)
}

// IssueAgentToken mints (or rotates) a long-lived token for AgentID,
// returned once in plaintext — only its hash and a 12-char hint persist.
func (h *AgentHandler) IssueAgentToken(agentID string) (Envelope, error) {
	if agentID == "" {
		return fail(invalidParams("agentId is required"))
	}
	token, err := h.agents.IssueToken(agentID)
	if err != nil {
		return fail(internalErr(err.Error()))
	}
	return ok(fmt.Sprintf("issued token for %s (hint %s)", agentID, admission.Hint(token)), map[string]string{"token": token})
}

// InviteAgentParams holds invite_agent's inputs.
type InviteAgentParams struct {
	AgentID        string
	CreatedBy      string
	CreatedByAgent string
}

// InviteAgent mints a single-use, time-bounded agent invite token.
func (h *AgentHandler) InviteAgent(p InviteAgentParams) (Envelope, error) {
	if p.AgentID == "" {
		return fail(invalidParams("agentId is required"))
	}
	token, err := h.invites.Mint(p.AgentID, p.CreatedBy, p.CreatedByAgent, admission.AgentInviteTTL)
	if err != nil {
		return fail(internalErr(err.Error()))
	}
	return ok(fmt.Sprintf("invited agent %s", p.AgentID), map[string]string{"inviteToken": token})
}

// AcceptAgentInviteParams holds accept_agent_invite's inputs.
type AcceptAgentInviteParams struct {
	InviteToken string
	UsedByNode  string
	UsedByAgent string
}

// AcceptAgentInvite consumes an agent invite and issues the agent's
// permanent token.
func (h *AgentHandler) AcceptAgentInvite(p AcceptAgentInviteParams) (Envelope, error) {
	if p.InviteToken == "" {
		return fail(invalidParams("inviteToken is required"))
	}
	agentID, err := h.invites.Accept(p.InviteToken, p.UsedByNode, p.UsedByAgent)
	if err != nil {
		return fail(preconditionFromInviteErr(err))
	}
	token, err := h.agents.IssueToken(agentID)
	if err != nil {
		return fail(internalErr(err.Error()))
	}
	return ok(fmt.Sprintf("agent %s accepted invite", agentID), map[string]string{"agentId": agentID, "token": token})
}

// ListAgents returns every registered agent record.
func (h *AgentHandler) ListAgents() (Envelope, error) {
	out := make(map[string]schema.AgentRecord)
	_ = h.agentsMap.Entries(func() any { return new(schema.AgentRecord) }, func(key string, v any) {
		out[key] = *(v.(*schema.AgentRecord))
	})
	return ok(fmt.Sprintf("%d registered agent(s)", len(out)), out)
}

// ListAgentInvites returns every outstanding (and historical) agent invite.
func (h *AgentHandler) ListAgentInvites() (Envelope, error) {
	out := make(map[string]schema.AgentInvite)
	_ = h.agentInvites.Entries(func() any { return new(schema.AgentInvite) }, func(key string, v any) {
		out[key] = *(v.(*schema.AgentInvite))
	})
	return ok(fmt.Sprintf("%d agent invite(s)", len(out)), out)
}

func preconditionFromInviteErr(err error) *Error {
	switch err {
	case admission.ErrAgentInviteExpired:
		return newError(KindExpired, err.Error())
	case admission.ErrAgentInviteUsed:
		return newError(KindAlreadyUsed, err.Error())
	case admission.ErrAgentInviteNotFound, admission.ErrAgentInviteRevoked:
		return notFound(err.Error())
	default:
		return internalErr(err.Error())
	}
}
