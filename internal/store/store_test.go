package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
)

type nodeRecord struct {
	Name string `json:"name"`
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	doc := crdtdoc.NewDoc("node-a", nil)
	st, err := New(dir, doc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Load(); err != nil {
		t.Fatalf("expected no error loading missing state file, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	doc := crdtdoc.NewDoc("node-a", nil)
	nodes := doc.GetMap("nodes")
	nodes.Set("n1", nodeRecord{Name: "alpha"})

	st, err := New(dir, doc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fresh := crdtdoc.NewDoc("node-b", nil)
	freshStore, err := New(dir, fresh, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := freshStore.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var got nodeRecord
	ok, err := fresh.GetMap("nodes").Get("n1", &got)
	if err != nil || !ok || got.Name != "alpha" {
		t.Fatalf("round trip failed: ok=%v err=%v got=%+v", ok, err, got)
	}
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	doc := crdtdoc.NewDoc("node-a", nil)
	st, err := New(dir, doc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Save(); err != nil {
		t.Fatal(err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(matches) != 0 {
		t.Fatalf("expected no leftover temp files, found %v", matches)
	}
}

func TestDebouncedSaveFlushesOnStop(t *testing.T) {
	dir := t.TempDir()
	doc := crdtdoc.NewDoc("node-a", nil)
	st, err := New(dir, doc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Start(); err != nil {
		t.Fatal(err)
	}

	doc.GetMap("nodes").Set("n1", nodeRecord{Name: "alpha"})
	// Stop must flush the still-pending debounced write synchronously,
	// without waiting out the full DebounceInterval.
	if err := st.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	fresh := crdtdoc.NewDoc("node-b", nil)
	freshStore, err := New(dir, fresh, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := freshStore.Load(); err != nil {
		t.Fatal(err)
	}
	if !fresh.GetMap("nodes").Has("n1") {
		t.Fatal("expected pending write to be flushed on Stop")
	}
}

func TestScheduleSaveAfterCloseIsNoop(t *testing.T) {
	dir := t.TempDir()
	doc := crdtdoc.NewDoc("node-a", nil)
	st, err := New(dir, doc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Start(); err != nil {
		t.Fatal(err)
	}
	if err := st.Stop(); err != nil {
		t.Fatal(err)
	}
	// A further Doc mutation after Stop must not panic or resurrect the timer.
	doc.GetMap("nodes").Set("n2", nodeRecord{Name: "beta"})
	time.Sleep(10 * time.Millisecond)
}
