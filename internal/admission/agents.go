package admission

import (
	"time"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// Agents manages AgentRecord registration and bearer-token issuance.
// Agent tokens are high-entropy random values rather than user-chosen
// secrets, so a salted KDF (argon2 and the like) is unnecessary here — a
// plain sha256 hash of the token is sufficient at-rest strength.
type Agents struct {
	agents *crdtdoc.MapHandle
}

// NewAgents binds to doc's agents map.
func NewAgents(doc *crdtdoc.Doc) *Agents {
	return &Agents{agents: doc.GetMap(schema.MapAgents)}
}

// Register creates or updates an AgentRecord without attaching auth.
func (a *Agents) Register(agentID string, typ schema.AgentType, gateway, registeredBy string) error {
	if err := schema.ValidateAgentType(typ); err != nil {
		return err
	}
	var existing schema.AgentRecord
	found, err := a.agents.Get(agentID, &existing)
	if err != nil {
		return err
	}
	rec := schema.AgentRecord{
		Name:         agentID,
		Gateway:      gateway,
		Type:         typ,
		RegisteredAt: time.Now(),
		RegisteredBy: registeredBy,
	}
	if found {
		rec.Auth = existing.Auth // preserve any previously issued token
	}
	_, err = a.agents.Set(agentID, rec)
	return err
}

// IssueToken mints a fresh bearer token for agentID, replacing any
// previously issued token (rotation). Returns the raw token; only its hash
// and a display hint are persisted.
func (a *Agents) IssueToken(agentID string) (string, error) {
	var rec schema.AgentRecord
	ok, err := a.agents.Get(agentID, &rec)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrAgentTokenInvalid
	}

	raw, err := GenerateToken("agt_")
	if err != nil {
		return "", err
	}
	now := time.Now()
	auth := &schema.AgentAuth{
		TokenHash: HashToken(raw),
		IssuedAt:  now,
		TokenHint: Hint(raw),
	}
	if rec.Auth != nil {
		auth.RotatedAt = &now
	}
	rec.Auth = auth
	if _, err := a.agents.Set(agentID, rec); err != nil {
		return "", err
	}
	return raw, nil
}

// Verify checks a bearer token against every AgentRecord's stored hash,
// returning the matching agent id. Linear in agent count, which is fine at
// mesh scale (tens to low hundreds of agents); an index could be added if
// that assumption stops holding.
func (a *Agents) Verify(rawToken string) (agentID string, ok bool, err error) {
	err = a.agents.Entries(func() any { return new(schema.AgentRecord) }, func(key string, v any) {
		rec := v.(*schema.AgentRecord)
		if ok || rec.Auth == nil {
			return
		}
		if VerifyToken(rawToken, rec.Auth.TokenHash) {
			ok = true
			agentID = key
		}
	})
	return agentID, ok, err
}

// Get decodes the AgentRecord for agentID.
func (a *Agents) Get(agentID string) (schema.AgentRecord, bool, error) {
	var rec schema.AgentRecord
	found, err := a.agents.Get(agentID, &rec)
	return rec, found, err
}
