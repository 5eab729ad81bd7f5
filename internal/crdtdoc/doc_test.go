package crdtdoc

import (
	"encoding/json"
	"testing"
)

type nodeRecord struct {
	Name string `json:"name"`
	Tier string `json:"tier"`
}

func TestMapSetGetDelete(t *testing.T) {
	d := NewDoc("node-a", nil)
	nodes := d.GetMap("nodes")

	if _, err := nodes.Set("n1", nodeRecord{Name: "alpha", Tier: "backbone"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got nodeRecord
	ok, err := nodes.Get("n1", &got)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Name != "alpha" {
		t.Fatalf("got %+v", got)
	}

	if !nodes.Has("n1") {
		t.Fatal("expected Has(n1) true")
	}
	nodes.Delete("n1")
	if nodes.Has("n1") {
		t.Fatal("expected Has(n1) false after delete")
	}
	if ok, _ := nodes.Get("n1", &got); ok {
		t.Fatal("expected Get to report false after delete")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	d := NewDoc("node-a", nil)
	nodes := d.GetMap("nodes")
	nodes.Set("n1", nodeRecord{Name: "alpha", Tier: "backbone"})
	nodes.Set("n2", nodeRecord{Name: "beta", Tier: "edge"})
	nodes.Delete("n2")

	snap1, err := d.EncodeSnapshot()
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}

	fresh := NewDoc("node-b", nil)
	if err := fresh.ApplyUpdate(snap1); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	freshNodes := fresh.GetMap("nodes")
	if freshNodes.Has("n2") {
		t.Fatal("tombstoned key should not resurrect")
	}
	var got nodeRecord
	if ok, _ := freshNodes.Get("n1", &got); !ok || got.Name != "alpha" {
		t.Fatalf("expected n1 to survive round trip, got ok=%v val=%+v", ok, got)
	}

	// Applying the same snapshot again must be a no-op (idempotent merge).
	if err := fresh.ApplyUpdate(snap1); err != nil {
		t.Fatalf("second ApplyUpdate: %v", err)
	}
	if freshNodes.Size() != 1 {
		t.Fatalf("expected 1 live entry, got %d", freshNodes.Size())
	}
}

func TestLWWConflictResolvesDeterministically(t *testing.T) {
	docA := NewDoc("node-a", nil)
	docB := NewDoc("node-b", nil)

	nodesA := docA.GetMap("tasks")
	nodesB := docB.GetMap("tasks")

	uA, _ := nodesA.Set("t1", map[string]string{"status": "claimed", "by": "agentX"})
	uB, _ := nodesB.Set("t1", map[string]string{"status": "claimed", "by": "agentY"})

	// Cross-apply: both replicas must converge on the same winner regardless
	// of application order.
	encA, _ := EncodeUpdates([]Update{uA})
	encB, _ := EncodeUpdates([]Update{uB})

	if err := docA.ApplyUpdate(encB); err != nil {
		t.Fatal(err)
	}
	if err := docB.ApplyUpdate(encA); err != nil {
		t.Fatal(err)
	}

	var gotA, gotB map[string]string
	nodesA.Get("t1", &gotA)
	nodesB.Get("t1", &gotB)

	if gotA["by"] != gotB["by"] {
		t.Fatalf("replicas diverged: A=%v B=%v", gotA, gotB)
	}
}

func TestSubmapFieldIndependence(t *testing.T) {
	d := NewDoc("node-a", nil)
	pulse := d.GetMap("pulse")

	pulse.SubmapSet("agent1", "status", "online")
	pulse.SubmapSet("agent1", "lastSeen", 1000)

	var fields map[string]any
	ok, err := pulse.SubmapGet("agent1", &fields)
	if err != nil || !ok {
		t.Fatalf("SubmapGet: ok=%v err=%v", ok, err)
	}
	if fields["status"] != "online" {
		t.Fatalf("unexpected fields: %+v", fields)
	}

	// Updating one field must not disturb the other.
	pulse.SubmapSet("agent1", "status", "offline")
	pulse.SubmapGet("agent1", &fields)
	if fields["status"] != "offline" || fields["lastSeen"] != float64(1000) {
		t.Fatalf("unexpected fields after partial update: %+v", fields)
	}
}

func TestCompactDropsTombstones(t *testing.T) {
	d := NewDoc("node-a", nil)
	m := d.GetMap("messages")
	m.Set("m1", map[string]string{"content": "hi"})
	m.Set("m2", map[string]string{"content": "bye"})
	m.Delete("m2")

	compacted := d.Compact()
	snap, err := compacted.EncodeSnapshot()
	if err != nil {
		t.Fatal(err)
	}

	var env envelope
	if err := json.Unmarshal(snap, &env); err != nil {
		t.Fatal(err)
	}
	if _, ok := env.Snapshot.Maps["messages"]["m2"]; ok {
		t.Fatal("expected tombstone to be dropped by Compact")
	}
	if _, ok := env.Snapshot.Maps["messages"]["m1"]; !ok {
		t.Fatal("expected live entry to survive Compact")
	}
}
