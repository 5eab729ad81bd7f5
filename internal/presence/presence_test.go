package presence

import (
	"testing"
	"time"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

func TestBeatAndRead(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	tracker := New(doc, nil)

	if err := tracker.Beat("agent-1", schema.PulseOnline, "task-1"); err != nil {
		t.Fatal(err)
	}
	snap, ok, err := tracker.Read("agent-1")
	if err != nil || !ok {
		t.Fatalf("Read: ok=%v err=%v", ok, err)
	}
	if snap.Status != schema.PulseOnline || snap.CurrentTask != "task-1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestStaleHeartbeatReportsOffline(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	tracker := New(doc, nil)
	tracker.SetStaleThreshold(time.Millisecond)

	if err := tracker.Beat("agent-1", schema.PulseOnline, ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	snap, ok, err := tracker.Read("agent-1")
	if err != nil || !ok {
		t.Fatalf("Read: ok=%v err=%v", ok, err)
	}
	if snap.Status != schema.PulseOffline {
		t.Fatalf("expected stale pulse to report offline, got %v", snap.Status)
	}
}

func TestUnknownAgentReadsFalse(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	tracker := New(doc, nil)
	_, ok, err := tracker.Read("never-seen")
	if err != nil || ok {
		t.Fatalf("expected ok=false for unseen agent, got ok=%v err=%v", ok, err)
	}
}

func TestMarkOffline(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	tracker := New(doc, nil)
	tracker.Beat("agent-1", schema.PulseOnline, "")
	if err := tracker.MarkOffline("agent-1"); err != nil {
		t.Fatal(err)
	}
	snap, ok, _ := tracker.Read("agent-1")
	if !ok || snap.Status != schema.PulseOffline {
		t.Fatalf("expected offline status, got %+v ok=%v", snap, ok)
	}
}

func TestIndependentFieldUpdatesDoNotClobberSiblings(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	tracker := New(doc, nil)
	tracker.Beat("agent-1", schema.PulseOnline, "task-1")
	tracker.Beat("agent-1", schema.PulseBusy, "")

	snap, _, _ := tracker.Read("agent-1")
	if snap.Status != schema.PulseBusy {
		t.Fatalf("expected status to update to busy, got %v", snap.Status)
	}
	if snap.CurrentTask != "task-1" {
		t.Fatalf("expected currentTask to survive update that omitted it, got %q", snap.CurrentTask)
	}
}
