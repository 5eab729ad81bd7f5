package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

const ansibleMetadataKey = "ansible"

// decodeSLA extracts metadata.ansible.sla from a task's free-form Metadata
// map via a JSON round trip, since Metadata is typed as map[string]any and
// its "ansible" entry is itself an arbitrary nested map until decoded.
func decodeSLA(metadata map[string]any) (schema.SLA, bool) {
	var sla schema.SLA
	raw, ok := metadata[ansibleMetadataKey]
	if !ok {
		return sla, false
	}
	ansibleBlock, ok := raw.(map[string]any)
	if !ok {
		return sla, false
	}
	slaRaw, ok := ansibleBlock["sla"]
	if !ok {
		return sla, false
	}
	encoded, err := json.Marshal(slaRaw)
	if err != nil {
		return sla, false
	}
	if err := json.Unmarshal(encoded, &sla); err != nil {
		return sla, false
	}
	return sla, true
}

func encodeSLA(metadata map[string]any, sla schema.SLA) map[string]any {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	ansibleBlock, _ := metadata[ansibleMetadataKey].(map[string]any)
	if ansibleBlock == nil {
		ansibleBlock = make(map[string]any)
	}
	ansibleBlock["sla"] = sla
	metadata[ansibleMetadataKey] = ansibleBlock
	return metadata
}

type breachKind int

const (
	breachAccept breachKind = iota
	breachProgress
	breachComplete
)

func (k breachKind) String() string {
	switch k {
	case breachAccept:
		return "accept"
	case breachProgress:
		return "progress"
	case breachComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// detectBreach returns the first unescalated breach for a task's SLA, if
// any. Only one breach is escalated per sweep per task even if multiple
// deadlines have passed, since an accept-by breach on a still-pending task
// implies the later deadlines have not meaningfully started yet.
func detectBreach(t schema.Task, sla schema.SLA, now time.Time) (breachKind, bool) {
	esc := sla.Escalations
	if esc == nil {
		esc = &schema.SLAEscalations{}
	}

	if sla.AcceptByAt != nil && now.After(*sla.AcceptByAt) && esc.AcceptAt == nil {
		if t.Status == schema.TaskPending {
			return breachAccept, true
		}
	}
	if sla.ProgressByAt != nil && now.After(*sla.ProgressByAt) && esc.ProgressAt == nil {
		if t.Status == schema.TaskPending || t.Status == schema.TaskClaimed {
			return breachProgress, true
		}
	}
	if sla.CompleteByAt != nil && now.After(*sla.CompleteByAt) && esc.CompleteAt == nil {
		if t.Status != schema.TaskCompleted {
			return breachComplete, true
		}
	}
	return 0, false
}

// runSLASweep scans every task for an ansible.sla block, escalates the
// first unescalated breach found (up to slaBudget escalation messages per
// sweep), and records the escalation so it never fires twice for the same
// deadline.
func (c *Coordinator) runSLASweep() {
	if !c.IsElected() || !c.slaEnabled {
		return
	}

	now := time.Now()
	written := 0
	breachCount := 0

	type pending struct {
		key   string
		task  schema.Task
		sla   schema.SLA
		kind  breachKind
	}
	var toEscalate []pending

	c.tasks.Entries(func() any { return new(schema.Task) }, func(key string, v any) {
		t := v.(*schema.Task)
		sla, ok := decodeSLA(t.Metadata)
		if !ok {
			return
		}
		kind, breached := detectBreach(*t, sla, now)
		if !breached {
			return
		}
		breachCount++
		toEscalate = append(toEscalate, pending{key: key, task: *t, sla: sla, kind: kind})
	})

	dropped := 0
	for _, p := range toEscalate {
		if written >= c.slaBudget {
			dropped++
			continue
		}
		if err := c.escalate(p.key, p.task, p.sla, p.kind, now); err != nil {
			c.logger.Warn("sla escalation failed", zap.String("task", p.key), zap.Error(err))
			continue
		}
		written++
		if c.onEscalate != nil {
			c.onEscalate(p.kind.String())
		}
	}

	if dropped > 0 {
		c.logger.Warn("sla sweep dropped escalations over budget", zap.Int("dropped", dropped), zap.Int("budget", c.slaBudget))
	}

	c.coordination.Set(schema.CoordKeySLASweepLastAt, now)
	c.coordination.Set(schema.CoordKeySLASweepLastBreachCount, breachCount)
	c.coordination.Set(schema.CoordKeySLASweepLastEscalationsWritten, written)
}

// dueAtFor returns the deadline that was breached for kind, nil if the SLA
// doesn't set one (which would mean detectBreach shouldn't have fired).
func dueAtFor(sla schema.SLA, kind breachKind) *time.Time {
	switch kind {
	case breachAccept:
		return sla.AcceptByAt
	case breachProgress:
		return sla.ProgressByAt
	case breachComplete:
		return sla.CompleteByAt
	default:
		return nil
	}
}

// escalationRecipients resolves who an SLA breach message is addressed to:
// the task's creator and claimer, deduplicated, falling back to the
// coordinator's configured FYI agents when the task has neither.
func escalationRecipients(t schema.Task, fyiAgents []string) []string {
	seen := make(map[string]bool, 2)
	var out []string
	for _, a := range []string{t.CreatedByAgent, t.ClaimedByAgent} {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	if len(out) == 0 {
		return fyiAgents
	}
	return out
}

func (c *Coordinator) escalate(key string, t schema.Task, sla schema.SLA, kind breachKind, now time.Time) error {
	if sla.Escalations == nil {
		sla.Escalations = &schema.SLAEscalations{}
	}
	switch kind {
	case breachAccept:
		sla.Escalations.AcceptAt = &now
	case breachProgress:
		sla.Escalations.ProgressAt = &now
	case breachComplete:
		sla.Escalations.CompleteAt = &now
	}
	t.Metadata = encodeSLA(t.Metadata, sla)
	if _, err := c.tasks.Set(key, t); err != nil {
		return fmt.Errorf("coordinator: persisting sla escalation: %w", err)
	}

	if c.slaRecordOnly {
		return nil
	}

	content := fmt.Sprintf("SLA breach (%s) on task %s %q", kind, key, t.Title)
	msg := schema.Message{
		ID:        uuid.NewString(),
		FromAgent: "coordinator",
		FromNode:  c.thisNode,
		ToAgents:  escalationRecipients(t, c.slaFYIAgents),
		Intent:    "task_sla_breached",
		Content:   content,
		Timestamp: now,
		Metadata: map[string]any{
			"kind":       "sla_breach",
			"taskId":     t.ID,
			"breachType": kind.String(),
			"dueAt":      dueAtFor(sla, kind),
			"status":     t.Status,
			"corr":       t.ID,
		},
	}
	_, err := c.messages.Set("msg-sla-"+msg.ID, msg)
	return err
}
