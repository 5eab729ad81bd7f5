package tools

import "github.com/likesjx/openclaw-plugin-ansible-sub000/internal/admission"

// AuthMode controls how strictly a mutating call must prove its caller
// identity: legacy installs trust a bare agentId, newer ones require a
// bearer agent_token, and mixed accepts either during migration.
type AuthMode string

const (
	AuthLegacy        AuthMode = "legacy"
	AuthMixed         AuthMode = "mixed"
	AuthTokenRequired AuthMode = "token-required"
)

// resolveCaller determines the calling agent's identity: a presented
// agent_token is always verified and, when valid, wins over a bare
// agentId (a token is the preferred proof of identity). Without a token,
// the bare agentId is accepted unless authMode is token-required.
func resolveCaller(agents *admission.Agents, mode AuthMode, agentID, agentToken string) (string, *Error) {
	if agentToken != "" {
		resolved, ok, err := agents.Verify(agentToken)
		if err != nil {
			return "", internalErr("verify agent token: " + err.Error())
		}
		if !ok {
			return "", unauthorized("invalid agent token")
		}
		return resolved, nil
	}

	if mode == AuthTokenRequired {
		return "", unauthorized("agent_token required")
	}
	if agentID == "" {
		return "", invalidParams("agentId or agent_token is required")
	}
	return agentID, nil
}
