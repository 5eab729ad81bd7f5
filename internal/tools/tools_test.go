package tools

import (
	"testing"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/admission"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

func newTestTaskHandler(t *testing.T) (*TaskHandler, *crdtdoc.Doc) {
	t.Helper()
	doc := crdtdoc.NewDoc("node-a", nil)
	agents := admission.NewAgents(doc)
	return NewTaskHandler(doc, agents, "node-a", AuthLegacy, nil), doc
}

func TestDelegateClaimCompleteLifecycle(t *testing.T) {
	h, _ := newTestTaskHandler(t)

	env, err := h.DelegateTask(DelegateTaskParams{Title: "do the thing", Description: "details", AgentID: "alice"})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	task := env.Details.(schema.Task)
	key := "task-" + task.ID

	if _, err := h.ClaimTask(ClaimTaskParams{TaskKey: key, AgentID: "bob"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := h.ClaimTask(ClaimTaskParams{TaskKey: key, AgentID: "carol"}); err == nil {
		t.Fatal("expected second claim to fail with precondition_failed")
	} else if terr, ok := err.(*Error); !ok || terr.Kind != KindPreconditionFailed {
		t.Fatalf("expected precondition_failed, got %v", err)
	}

	if _, err := h.UpdateTask(UpdateTaskParams{TaskKey: key, Status: schema.TaskInProgress, AgentID: "bob"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := h.CompleteTask(CompleteTaskParams{TaskKey: key, Result: "done", AgentID: "carol"}); err == nil {
		t.Fatal("expected complete by non-claimer to fail")
	}

	env, err = h.CompleteTask(CompleteTaskParams{TaskKey: key, Result: "done", AgentID: "bob"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	done := env.Details.(schema.Task)
	if done.Status != schema.TaskCompleted || done.Result != "done" {
		t.Fatalf("expected completed task with result, got %+v", done)
	}
}

func TestFindTaskPrefixResolution(t *testing.T) {
	h, doc := newTestTaskHandler(t)
	tasks := doc.GetMap(schema.MapTasks)
	tasks.Set("task-a1b2c3d4", schema.Task{ID: "a1b2c3d4", Title: "one", Status: schema.TaskPending})
	tasks.Set("task-a1b2cfff", schema.Task{ID: "a1b2cfff", Title: "two", Status: schema.TaskPending})

	if _, err := h.FindTask(FindTaskParams{Needle: "task-a1b2c"}); err == nil {
		t.Fatal("expected ambiguous resolution")
	} else if terr := err.(*Error); terr.Kind != KindAmbiguousID || len(terr.Candidates) != 2 {
		t.Fatalf("expected ambiguous_id with 2 candidates, got %+v", terr)
	}

	env, err := h.FindTask(FindTaskParams{Needle: "task-a1b2c3"})
	if err != nil {
		t.Fatalf("expected unique resolution, got %v", err)
	}
	if env.Details.(schema.Task).ID != "a1b2c3d4" {
		t.Fatal("resolved wrong task")
	}
}

func TestDelegateTaskAssignsViaSkillsLookup(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	agents := admission.NewAgents(doc)
	h := NewTaskHandler(doc, agents, "node-a", AuthLegacy, nil)

	doc.GetMap(schema.MapNodeContext).Set("agent-x", schema.NodeContext{Skills: []string{"deploy"}})

	env, err := h.DelegateTask(DelegateTaskParams{Title: "ship it", Requires: []string{"deploy"}, AgentID: "alice"})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	task := env.Details.(schema.Task)
	if task.AssignedToAgent != "agent-x" {
		t.Fatalf("expected skills-lookup to assign agent-x, got %+v", task)
	}
}

func TestSendMessageAndMarkRead(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	agents := admission.NewAgents(doc)
	admin := admission.NewAdminGate(doc, "")
	mh := NewMessageHandler(doc, agents, admin, "node-a", AuthLegacy, nil)

	env, err := mh.SendMessage(SendMessageParams{Content: "hello", To: []string{"bob"}, AgentID: "alice"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := env.Details.(schema.Message)

	readEnv, err := mh.ReadMessages(ReadMessagesParams{AgentID: "bob"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(readEnv.Details.([]schema.Message)) != 1 {
		t.Fatal("expected one unread message for bob")
	}

	if _, err := mh.MarkRead(MarkReadParams{MessageKey: "msg-" + msg.ID, AgentID: "bob"}); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	readEnv, _ = mh.ReadMessages(ReadMessagesParams{AgentID: "bob"})
	if len(readEnv.Details.([]schema.Message)) != 0 {
		t.Fatal("expected no unread messages after mark_read")
	}
}

func TestDeleteMessagesRequiresConfirmPhraseAndAdmin(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	agents := admission.NewAgents(doc)
	nodes := doc.GetMap(schema.MapNodes)
	nodes.Set("node-a", schema.Node{Name: "node-a", Capabilities: []string{"admin"}})
	admin := admission.NewAdminGate(doc, "")
	mh := NewMessageHandler(doc, agents, admin, "node-a", AuthLegacy, nil)

	doc.GetMap(schema.MapMessages).Set("msg-1", schema.Message{ID: "1", Content: "x"})

	if _, err := mh.DeleteMessages(DeleteMessagesParams{All: true, Reason: "short", Confirm: "DELETE_MESSAGES", CallerNode: "node-a"}); err == nil {
		t.Fatal("expected reason-too-short rejection")
	}

	if _, err := mh.DeleteMessages(DeleteMessagesParams{All: true, Reason: "a very good reason indeed", Confirm: "nope", CallerNode: "node-a"}); err == nil {
		t.Fatal("expected confirm mismatch rejection")
	}
	if doc.GetMap(schema.MapMessages).Size() != 1 {
		t.Fatal("expected zero deletions on confirm mismatch")
	}

	env, err := mh.DeleteMessages(DeleteMessagesParams{All: true, Reason: "a very good reason indeed", Confirm: "DELETE_MESSAGES", CallerNode: "node-a"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if env.Details.(int) != 1 {
		t.Fatalf("expected one deletion, got %v", env.Details)
	}
}
