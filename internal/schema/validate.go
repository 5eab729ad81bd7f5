package schema

// Length bounds for public operation inputs.
const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 5000
	MaxContextLen     = 5000
	MaxResultLen      = 10000
	MaxMessageLen     = 10000
	MaxPolicyLen      = 200000
)

// ValidateTitle bounds Task.Title.
func ValidateTitle(s string) error {
	if s == "" {
		return fieldRequired("title")
	}
	if len(s) > MaxTitleLen {
		return fieldTooLong("title", MaxTitleLen)
	}
	return nil
}

// ValidateDescription bounds Task.Description.
func ValidateDescription(s string) error {
	if len(s) > MaxDescriptionLen {
		return fieldTooLong("description", MaxDescriptionLen)
	}
	return nil
}

// ValidateContext bounds Task.Context and NodeContext free-text fields.
func ValidateContext(s string) error {
	if len(s) > MaxContextLen {
		return fieldTooLong("context", MaxContextLen)
	}
	return nil
}

// ValidateResult bounds Task.Result.
func ValidateResult(s string) error {
	if len(s) > MaxResultLen {
		return fieldTooLong("result", MaxResultLen)
	}
	return nil
}

// ValidateMessageContent bounds Message.Content.
func ValidateMessageContent(s string) error {
	if s == "" {
		return fieldRequired("content")
	}
	if len(s) > MaxMessageLen {
		return fieldTooLong("content", MaxMessageLen)
	}
	return nil
}

// ValidatePolicyMarkdown bounds the delegation policy document.
func ValidatePolicyMarkdown(s string) error {
	if len(s) > MaxPolicyLen {
		return fieldTooLong("policyMarkdown", MaxPolicyLen)
	}
	return nil
}

// ValidateTier checks an enum value against the two known tiers.
func ValidateTier(t Tier) error {
	switch t {
	case TierBackbone, TierEdge:
		return nil
	default:
		return fieldInvalidEnum("tier", string(t))
	}
}

// ValidateTaskStatus checks an enum value against the five known statuses.
func ValidateTaskStatus(s TaskStatus) error {
	switch s {
	case TaskPending, TaskClaimed, TaskInProgress, TaskCompleted, TaskFailed:
		return nil
	default:
		return fieldInvalidEnum("status", string(s))
	}
}

// ValidateAgentType checks an enum value against internal/external.
func ValidateAgentType(t AgentType) error {
	switch t {
	case AgentInternal, AgentExternal:
		return nil
	default:
		return fieldInvalidEnum("type", string(t))
	}
}

// ValidatePulseStatus checks an enum value against the three presence states.
func ValidatePulseStatus(s PulseStatus) error {
	switch s {
	case PulseOnline, PulseBusy, PulseOffline:
		return nil
	default:
		return fieldInvalidEnum("status", string(s))
	}
}

// IsValidTaskTransition enforces the monotone lifecycle:
// pending -> claimed -> in_progress -> (completed|failed); claimed and
// in_progress may also fail directly, and a task may be reopened from
// failed back to pending by re-delegation, but never regresses from a
// terminal state to claimed/in_progress, and never skips claimed when
// already pending-to-in_progress without an assignee.
func IsValidTaskTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case TaskPending:
		return to == TaskClaimed || to == TaskFailed
	case TaskClaimed:
		return to == TaskInProgress || to == TaskFailed || to == TaskPending
	case TaskInProgress:
		return to == TaskCompleted || to == TaskFailed
	case TaskCompleted:
		return false
	case TaskFailed:
		return to == TaskPending
	default:
		return false
	}
}
