package retention

import (
	"fmt"
	"testing"
	"time"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

func setMessage(doc *crdtdoc.Doc, key string, msg schema.Message) {
	doc.GetMap(schema.MapMessages).Set(key, msg)
}

func TestSweepDropsOldReadMessages(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	s := New(doc, nil)
	s.SetTTL(time.Hour)

	setMessage(doc, "m1", schema.Message{
		ID: "m1", ToAgents: []string{"agent-a"}, ReadByAgents: []string{"agent-a"},
		Timestamp: time.Now().Add(-2 * time.Hour),
	})
	setMessage(doc, "m2", schema.Message{
		ID: "m2", ToAgents: []string{"agent-a"}, ReadByAgents: []string{"agent-a"},
		Timestamp: time.Now(),
	})

	s.SweepNow()

	messages := doc.GetMap(schema.MapMessages)
	if messages.Has("m1") {
		t.Fatal("expected old read message to be pruned")
	}
	if !messages.Has("m2") {
		t.Fatal("expected recent read message to survive")
	}
}

func TestSweepNeverDeletesUnread(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	s := New(doc, nil)
	s.SetTTL(time.Millisecond)

	setMessage(doc, "m1", schema.Message{
		ID: "m1", ToAgents: []string{"agent-a"},
		Timestamp: time.Now().Add(-48 * time.Hour),
	})
	time.Sleep(5 * time.Millisecond)
	s.SweepNow()

	if !doc.GetMap(schema.MapMessages).Has("m1") {
		t.Fatal("expected unread message to survive regardless of age")
	}
}

func TestSweepCapsToMaxMessages(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	s := New(doc, nil)
	s.SetTTL(24 * time.Hour)
	s.SetMaxMessages(3)

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("m%d", i)
		setMessage(doc, key, schema.Message{
			ID: key, ToAgents: []string{"agent-a"}, ReadByAgents: []string{"agent-a"},
			Timestamp: time.Now().Add(time.Duration(i) * time.Minute),
		})
	}

	s.SweepNow()

	messages := doc.GetMap(schema.MapMessages)
	if messages.Size() != 3 {
		t.Fatalf("expected cap to leave 3 messages, got %d", messages.Size())
	}
	// The three newest (m2, m3, m4) must survive; the two oldest are pruned.
	for _, k := range []string{"m2", "m3", "m4"} {
		if !messages.Has(k) {
			t.Fatalf("expected newest message %s to survive cap", k)
		}
	}
}
