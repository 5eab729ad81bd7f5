// Package admission gates every way a node, agent, or WebSocket connection
// joins the mesh: single-use invite tokens, short-TTL pre-upgrade tickets,
// a node allowlist, and sha256-hashed agent bearer tokens.
package admission

import "errors"

var (
	// ErrInviteNotFound means the invite token does not match any pending
	// invite.
	ErrInviteNotFound = errors.New("admission: invite not found")
	// ErrInviteExpired means the invite was found but its TTL has elapsed.
	ErrInviteExpired = errors.New("admission: invite expired")
	// ErrInviteAlreadyUsed means the invite was already consumed.
	ErrInviteAlreadyUsed = errors.New("admission: invite already used")
	// ErrInviteNodeMismatch means the invite names an expected node id that
	// does not match the presenting node.
	ErrInviteNodeMismatch = errors.New("admission: invite does not match presenting node")

	// ErrTicketNotFound means the ws ticket does not exist.
	ErrTicketNotFound = errors.New("admission: ticket not found")
	// ErrTicketExpired means the ticket's short TTL has elapsed.
	ErrTicketExpired = errors.New("admission: ticket expired")
	// ErrTicketAlreadyUsed means the ticket was already consumed — tickets
	// are single-use.
	ErrTicketAlreadyUsed = errors.New("admission: ticket already used")
	// ErrTicketSignatureInvalid means the ticket's JWT failed verification.
	ErrTicketSignatureInvalid = errors.New("admission: ticket signature invalid")

	// ErrNodeNotAuthorized means the presenting node id is not on the
	// allowlist and has no active heartbeat or hosted internal agent.
	ErrNodeNotAuthorized = errors.New("admission: node not authorized")

	// ErrAgentTokenInvalid means the presented agent bearer token does not
	// match any AgentRecord's stored hash.
	ErrAgentTokenInvalid = errors.New("admission: agent token invalid")
	// ErrAgentInviteNotFound / ErrAgentInviteExpired / ErrAgentInviteUsed /
	// ErrAgentInviteRevoked mirror the node invite lifecycle for agent
	// invites (ait_* tokens).
	ErrAgentInviteNotFound = errors.New("admission: agent invite not found")
	ErrAgentInviteExpired  = errors.New("admission: agent invite expired")
	ErrAgentInviteUsed     = errors.New("admission: agent invite already used")
	ErrAgentInviteRevoked  = errors.New("admission: agent invite revoked")

	// ErrNotAdmin means the caller lacks the admin capability or does not
	// match the configured adminAgentId.
	ErrNotAdmin = errors.New("admission: caller is not an admin")
)
