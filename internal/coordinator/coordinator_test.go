package coordinator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

func TestClaimElectsFirstBackboneNode(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	c, err := New(doc, "node-a", schema.TierBackbone, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	elected, err := c.Claim()
	if err != nil || !elected {
		t.Fatalf("expected first backbone node to claim coordinator: elected=%v err=%v", elected, err)
	}
	if !c.IsElected() {
		t.Fatal("expected IsElected true after Claim")
	}
}

func TestEdgeNodeNeverElected(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	c, err := New(doc, "node-a", schema.TierEdge, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	elected, _ := c.Claim()
	if elected || c.IsElected() {
		t.Fatal("expected edge-tier node to never be elected coordinator")
	}
}

func TestClosedTaskRetentionOnlyRunsWhenElected(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	tasks := doc.GetMap(schema.MapTasks)
	old := time.Now().Add(-30 * 24 * time.Hour)
	tasks.Set("t1", schema.Task{ID: "t1", Status: schema.TaskCompleted, CompletedAt: &old, CreatedAt: old})

	cNotElected, _ := New(doc, "node-b", schema.TierBackbone, t.TempDir(), nil)
	cNotElected.runClosedTaskRetention()
	if !tasks.Has("t1") {
		t.Fatal("expected non-elected node to leave closed tasks alone")
	}

	cElected, _ := New(doc, "node-a", schema.TierBackbone, t.TempDir(), nil)
	cElected.Claim()
	cElected.runClosedTaskRetention()
	if tasks.Has("t1") {
		t.Fatal("expected elected node to prune the old closed task")
	}
}

func TestClosedTaskRetentionKeepsRecentAndOpenTasks(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	tasks := doc.GetMap(schema.MapTasks)
	recent := time.Now().Add(-time.Hour)
	tasks.Set("t1", schema.Task{ID: "t1", Status: schema.TaskCompleted, CompletedAt: &recent, CreatedAt: recent})
	tasks.Set("t2", schema.Task{ID: "t2", Status: schema.TaskPending, CreatedAt: time.Now().Add(-30 * 24 * time.Hour)})

	c, _ := New(doc, "node-a", schema.TierBackbone, t.TempDir(), nil)
	c.Claim()
	c.runClosedTaskRetention()

	if !tasks.Has("t1") || !tasks.Has("t2") {
		t.Fatal("expected recent-closed and still-open tasks to survive")
	}
}

func TestSLASweepEscalatesAcceptBreach(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	tasks := doc.GetMap(schema.MapTasks)
	past := time.Now().Add(-time.Hour)
	tasks.Set("t1", schema.Task{
		ID: "t1", Status: schema.TaskPending, Title: "do the thing", CreatedAt: time.Now(),
		CreatedByAgent: "alice", ClaimedByAgent: "bob",
		Metadata: map[string]any{
			"ansible": map[string]any{
				"sla": map[string]any{"acceptByAt": past},
			},
		},
	})

	c, _ := New(doc, "node-a", schema.TierBackbone, t.TempDir(), nil)
	c.Claim()
	c.runSLASweep()

	messages := doc.GetMap(schema.MapMessages)
	if messages.Size() != 1 {
		t.Fatalf("expected one escalation message, got %d", messages.Size())
	}

	var msg schema.Message
	messages.Entries(func() any { return new(schema.Message) }, func(key string, v any) {
		msg = *v.(*schema.Message)
	})
	if msg.Intent != "task_sla_breached" {
		t.Fatalf("expected intent task_sla_breached, got %q", msg.Intent)
	}
	if len(msg.ToAgents) != 2 || msg.ToAgents[0] != "alice" || msg.ToAgents[1] != "bob" {
		t.Fatalf("expected escalation addressed to creator and claimer, got %v", msg.ToAgents)
	}
	wantMeta := map[string]any{"kind": "sla_breach", "taskId": "t1", "breachType": "accept", "status": string(schema.TaskPending), "corr": "t1"}
	for k, want := range wantMeta {
		if got := msg.Metadata[k]; got != want {
			t.Fatalf("metadata[%s] = %v, want %v", k, got, want)
		}
	}
	if msg.Metadata["dueAt"] == nil {
		t.Fatal("expected dueAt metadata to be set")
	}

	var got schema.Task
	tasks.Get("t1", &got)
	sla, ok := decodeSLA(got.Metadata)
	if !ok || sla.Escalations == nil || sla.Escalations.AcceptAt == nil {
		t.Fatalf("expected escalation to be recorded in task metadata: %+v", sla)
	}

	// A second sweep must not re-escalate the same breach.
	c.runSLASweep()
	if messages.Size() != 1 {
		t.Fatal("expected sla sweep to not double-escalate the same breach")
	}
}

func TestSLASweepFallsBackToFYIAgentsWithNoCreatorOrClaimer(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	tasks := doc.GetMap(schema.MapTasks)
	past := time.Now().Add(-time.Hour)
	tasks.Set("t1", schema.Task{
		ID: "t1", Status: schema.TaskPending, CreatedAt: time.Now(),
		Metadata: map[string]any{"ansible": map[string]any{"sla": map[string]any{"acceptByAt": past}}},
	})

	c, _ := New(doc, "node-a", schema.TierBackbone, t.TempDir(), nil)
	c.Claim()
	c.SetSLAFYIAgents([]string{"ops-oncall"})
	c.runSLASweep()

	var msg schema.Message
	doc.GetMap(schema.MapMessages).Entries(func() any { return new(schema.Message) }, func(key string, v any) {
		msg = *v.(*schema.Message)
	})
	if len(msg.ToAgents) != 1 || msg.ToAgents[0] != "ops-oncall" {
		t.Fatalf("expected fallback to FYI agents, got %v", msg.ToAgents)
	}
}

func TestSLASweepRecordOnlySkipsMessage(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	tasks := doc.GetMap(schema.MapTasks)
	past := time.Now().Add(-time.Hour)
	tasks.Set("t1", schema.Task{
		ID: "t1", Status: schema.TaskPending, CreatedAt: time.Now(), CreatedByAgent: "alice",
		Metadata: map[string]any{"ansible": map[string]any{"sla": map[string]any{"acceptByAt": past}}},
	})

	c, _ := New(doc, "node-a", schema.TierBackbone, t.TempDir(), nil)
	c.Claim()
	c.SetSLARecordOnly(true)
	c.runSLASweep()

	if doc.GetMap(schema.MapMessages).Size() != 0 {
		t.Fatal("expected record-only sweep to emit no messages")
	}
	var got schema.Task
	tasks.Get("t1", &got)
	sla, ok := decodeSLA(got.Metadata)
	if !ok || sla.Escalations == nil || sla.Escalations.AcceptAt == nil {
		t.Fatal("expected escalation to still be recorded in record-only mode")
	}
}

func TestSLASweepDisabledDoesNothing(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	tasks := doc.GetMap(schema.MapTasks)
	past := time.Now().Add(-time.Hour)
	tasks.Set("t1", schema.Task{
		ID: "t1", Status: schema.TaskPending, CreatedAt: time.Now(),
		Metadata: map[string]any{"ansible": map[string]any{"sla": map[string]any{"acceptByAt": past}}},
	})

	c, _ := New(doc, "node-a", schema.TierBackbone, t.TempDir(), nil)
	c.Claim()
	c.SetSLAEnabled(false)
	c.runSLASweep()

	if doc.GetMap(schema.MapMessages).Size() != 0 {
		t.Fatal("expected disabled sla sweep to emit no messages")
	}
}

func TestSLASweepRespectsBudget(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	tasks := doc.GetMap(schema.MapTasks)
	past := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		key := "t" + string(rune('0'+i))
		tasks.Set(key, schema.Task{
			ID: key, Status: schema.TaskPending, CreatedAt: time.Now(),
			Metadata: map[string]any{"ansible": map[string]any{"sla": map[string]any{"acceptByAt": past}}},
		})
	}

	c, _ := New(doc, "node-a", schema.TierBackbone, t.TempDir(), nil)
	c.Claim()
	c.SetSLABudget(2)
	c.runSLASweep()

	if doc.GetMap(schema.MapMessages).Size() != 2 {
		t.Fatalf("expected escalations capped at budget, got %d", doc.GetMap(schema.MapMessages).Size())
	}
}

func TestLockSweepRemovesStaleLocksOnEveryNode(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "session-abc.jsonl.lock")
	if err := os.WriteFile(lockPath, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatal(err)
	}

	doc := crdtdoc.NewDoc("node-a", nil)
	// Not elected, not even backbone — lock sweep must still run.
	c, _ := New(doc, "node-a", schema.TierEdge, dir, nil)
	c.runLockSweep()

	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Fatal("expected stale lock file to be removed")
	}
}

func TestLockSweepKeepsFreshLocks(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "session-abc.jsonl.lock")
	if err := os.WriteFile(lockPath, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}

	doc := crdtdoc.NewDoc("node-a", nil)
	c, _ := New(doc, "node-a", schema.TierEdge, dir, nil)
	c.runLockSweep()

	if _, err := os.Stat(lockPath); err != nil {
		t.Fatal("expected fresh lock file to survive")
	}
}
