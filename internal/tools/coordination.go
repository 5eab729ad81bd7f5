package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// CoordinationHandler implements get/set_coordination, set_retention, and
// the get/set/ack_delegation_policy trio.
type CoordinationHandler struct {
	coordination *crdtdoc.MapHandle
	logger       *zap.Logger
}

// NewCoordinationHandler binds a CoordinationHandler to doc's coordination map.
func NewCoordinationHandler(doc *crdtdoc.Doc, logger *zap.Logger) *CoordinationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoordinationHandler{
		coordination: doc.GetMap(schema.MapCoordination),
		logger:       logger.Named("tools.coordination"),
	}
}

// coordinationKeys are the flat keys get/set_coordination is allowed to
// touch — everything else in the map (delegation policy, acks, prefs) is
// reached through its own dedicated operation instead.
var coordinationKeys = map[string]bool{
	schema.CoordKeyCoordinator:                true,
	schema.CoordKeySweepEverySeconds:          true,
	schema.CoordKeyRetentionClosedTaskSeconds: true,
	schema.CoordKeyRetentionPruneEverySeconds: true,
}

// GetCoordination reads one coordination key, or all recognized keys when
// key is empty.
func (h *CoordinationHandler) GetCoordination(key string) (Envelope, error) {
	if key == "" {
		out := make(map[string]any, len(coordinationKeys))
		for k := range coordinationKeys {
			var v any
			if ok, _ := h.coordination.Get(k, &v); ok {
				out[k] = v
			}
		}
		return ok("coordination snapshot", out)
	}
	if !coordinationKeys[key] {
		return fail(invalidParams(fmt.Sprintf("unknown coordination key %q", key)))
	}
	var v any
	found, err := h.coordination.Get(key, &v)
	if err != nil {
		return fail(internalErr(err.Error()))
	}
	if !found {
		return fail(notFound(fmt.Sprintf("coordination key %q not set", key)))
	}
	return ok(fmt.Sprintf("%s = %v", key, v), v)
}

// SetCoordination writes one coordination key.
func (h *CoordinationHandler) SetCoordination(key string, value any) (Envelope, error) {
	if !coordinationKeys[key] {
		return fail(invalidParams(fmt.Sprintf("unknown coordination key %q", key)))
	}
	if _, err := h.coordination.Set(key, value); err != nil {
		return fail(internalErr(err.Error()))
	}
	return ok(fmt.Sprintf("set %s", key), value)
}

// SetRetentionParams holds set_retention's inputs.
type SetRetentionParams struct {
	ClosedTaskSeconds int
	PruneEverySeconds int
}

// SetRetention overrides the coordinator's retention cadence/threshold.
func (h *CoordinationHandler) SetRetention(p SetRetentionParams) (Envelope, error) {
	if p.ClosedTaskSeconds <= 0 && p.PruneEverySeconds <= 0 {
		return fail(invalidParams("at least one of closedTaskSeconds/pruneEverySeconds is required"))
	}
	if p.ClosedTaskSeconds > 0 {
		h.coordination.Set(schema.CoordKeyRetentionClosedTaskSeconds, p.ClosedTaskSeconds)
	}
	if p.PruneEverySeconds > 0 {
		h.coordination.Set(schema.CoordKeyRetentionPruneEverySeconds, p.PruneEverySeconds)
	}
	return ok("retention settings updated", p)
}

// DelegationPolicy is the decoded view of the coordination map's
// delegation-policy keys.
type DelegationPolicy struct {
	Version   int       `json:"version"`
	Checksum  string    `json:"checksum"`
	Markdown  string    `json:"markdown"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
}

// GetDelegationPolicy reads the current delegation policy document.
func (h *CoordinationHandler) GetDelegationPolicy() (Envelope, error) {
	var p DelegationPolicy
	h.coordination.Get(schema.CoordKeyDelegationPolicyVersion, &p.Version)
	h.coordination.Get(schema.CoordKeyDelegationPolicyChecksum, &p.Checksum)
	h.coordination.Get(schema.CoordKeyDelegationPolicyMarkdown, &p.Markdown)
	h.coordination.Get(schema.CoordKeyDelegationPolicyUpdatedAt, &p.UpdatedAt)
	h.coordination.Get(schema.CoordKeyDelegationPolicyUpdatedBy, &p.UpdatedBy)
	return ok(fmt.Sprintf("delegation policy v%d", p.Version), p)
}

// SetDelegationPolicyParams holds set_delegation_policy's inputs.
type SetDelegationPolicyParams struct {
	Markdown  string
	UpdatedBy string
}

// SetDelegationPolicy replaces the delegation policy markdown, bumping its
// version and recomputing its checksum so agents can detect staleness via
// ack_delegation_policy.
func (h *CoordinationHandler) SetDelegationPolicy(p SetDelegationPolicyParams) (Envelope, error) {
	if err := schema.ValidatePolicyMarkdown(p.Markdown); err != nil {
		return fail(invalidParams(err.Error()))
	}
	var prevVersion int
	h.coordination.Get(schema.CoordKeyDelegationPolicyVersion, &prevVersion)

	sum := sha256.Sum256([]byte(p.Markdown))
	checksum := hex.EncodeToString(sum[:])
	now := time.Now()

	h.coordination.Set(schema.CoordKeyDelegationPolicyVersion, prevVersion+1)
	h.coordination.Set(schema.CoordKeyDelegationPolicyChecksum, checksum)
	h.coordination.Set(schema.CoordKeyDelegationPolicyMarkdown, p.Markdown)
	h.coordination.Set(schema.CoordKeyDelegationPolicyUpdatedAt, now)
	h.coordination.Set(schema.CoordKeyDelegationPolicyUpdatedBy, p.UpdatedBy)

	return ok(fmt.Sprintf("delegation policy updated to v%d", prevVersion+1), DelegationPolicy{
		Version: prevVersion + 1, Checksum: checksum, Markdown: p.Markdown, UpdatedAt: now, UpdatedBy: p.UpdatedBy,
	})
}

// AckDelegationPolicy records that AgentID has seen the current delegation
// policy version, so a future query can report which agents are stale.
func (h *CoordinationHandler) AckDelegationPolicy(agentID string) (Envelope, error) {
	if agentID == "" {
		return fail(invalidParams("agentId is required"))
	}
	var version int
	h.coordination.Get(schema.CoordKeyDelegationPolicyVersion, &version)
	h.coordination.Set(schema.DelegationAckKey(agentID, "version"), version)
	h.coordination.Set(schema.DelegationAckKey(agentID, "ackedAt"), time.Now())
	return ok(fmt.Sprintf("%s acked delegation policy v%d", agentID, version), version)
}
