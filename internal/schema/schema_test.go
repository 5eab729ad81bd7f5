package schema

import (
	"strings"
	"testing"
)

func TestValidateTitleBounds(t *testing.T) {
	if err := ValidateTitle(""); err == nil {
		t.Fatal("expected error for empty title")
	}
	if err := ValidateTitle(strings.Repeat("a", MaxTitleLen)); err != nil {
		t.Fatalf("expected title at limit to pass, got %v", err)
	}
	if err := ValidateTitle(strings.Repeat("a", MaxTitleLen+1)); err == nil {
		t.Fatal("expected error for over-limit title")
	}
}

func TestValidateMessageContent(t *testing.T) {
	if err := ValidateMessageContent(""); err == nil {
		t.Fatal("expected error for empty content")
	}
	if err := ValidateMessageContent(strings.Repeat("x", MaxMessageLen+1)); err == nil {
		t.Fatal("expected error for over-limit content")
	}
}

func TestValidateEnums(t *testing.T) {
	if err := ValidateTier(TierBackbone); err != nil {
		t.Fatalf("backbone should be valid: %v", err)
	}
	if err := ValidateTier(Tier("mesh")); err == nil {
		t.Fatal("expected error for unknown tier")
	}
	if err := ValidateTaskStatus(TaskStatus("bogus")); err == nil {
		t.Fatal("expected error for unknown task status")
	}
	if err := ValidateAgentType(AgentType("robot")); err == nil {
		t.Fatal("expected error for unknown agent type")
	}
}

func TestTaskTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskClaimed, true},
		{TaskPending, TaskInProgress, false},
		{TaskClaimed, TaskInProgress, true},
		{TaskInProgress, TaskCompleted, true},
		{TaskCompleted, TaskClaimed, false},
		{TaskFailed, TaskPending, true},
		{TaskFailed, TaskClaimed, false},
	}
	for _, c := range cases {
		got := IsValidTaskTransition(c.from, c.to)
		if got != c.want {
			t.Errorf("%s -> %s: got %v want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestResolveKeyExactPrefixAmbiguous(t *testing.T) {
	tasks := map[string]Task{
		"task-abc123": {ID: "abc123"},
		"task-abc999": {ID: "abc999"},
		"task-zzz111": {ID: "zzz111"},
	}

	// exact match wins even when it would otherwise be a prefix of another key
	got, err := ResolveTaskKey("task-abc123", tasks)
	if err != nil || got != "task-abc123" {
		t.Fatalf("exact match: got %q err %v", got, err)
	}

	// unambiguous prefix
	got, err = ResolveTaskKey("task-zzz", tasks)
	if err != nil || got != "task-zzz111" {
		t.Fatalf("unique prefix: got %q err %v", got, err)
	}

	// id prefix
	got, err = ResolveTaskKey("zzz111", tasks)
	if err != nil || got != "task-zzz111" {
		t.Fatalf("id prefix: got %q err %v", got, err)
	}

	// ambiguous key prefix
	_, err = ResolveTaskKey("task-abc", tasks)
	if err == nil {
		t.Fatal("expected ambiguous error")
	}
	rerr, ok := err.(*ResolveError)
	if !ok || !rerr.Ambiguous {
		t.Fatalf("expected ResolveError.Ambiguous, got %v", err)
	}
	if len(rerr.Candidates) > MaxAmbiguousCandidates {
		t.Fatalf("candidates exceed cap: %d", len(rerr.Candidates))
	}

	// no match
	_, err = ResolveTaskKey("nope", tasks)
	if err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestMessageHasReadAcceptsLegacyForm(t *testing.T) {
	m := Message{ReadBy: []string{"node-a"}}
	if !m.HasRead("node-a") {
		t.Fatal("expected legacy ReadBy field to count as read")
	}

	m2 := Message{Delivery: map[string]DeliveryRecord{
		"agent-x": {State: DeliveryDelivered},
	}}
	if !m2.HasRead("agent-x") {
		t.Fatal("expected delivered delivery record to count as read")
	}
}

func TestMessageAddressed(t *testing.T) {
	broadcast := Message{}
	if !broadcast.Addressed("anyone") {
		t.Fatal("broadcast should address everyone")
	}

	direct := Message{ToAgents: []string{"agent-a"}}
	if !direct.Addressed("agent-a") {
		t.Fatal("expected agent-a to be addressed")
	}
	if direct.Addressed("agent-b") {
		t.Fatal("agent-b should not be addressed")
	}
}

func TestTaskCloseTimeFallback(t *testing.T) {
	created := Task{}
	if !created.CloseTime().IsZero() {
		t.Fatal("expected zero value close time when no timestamps set")
	}
}
