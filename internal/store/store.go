// Package store persists the shared document's CRDT snapshot to a state
// file, the same temp-file-plus-rename and load/save shape the agent
// connection manager uses for its own state file, generalized to a larger,
// debounced payload.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
)

// MaxSnapshotBytes bounds both the size of a snapshot this package will
// write and the size of a file it will agree to read, guarding against a
// corrupted or maliciously inflated state file consuming unbounded memory
// on load.
const MaxSnapshotBytes = 50 * 1024 * 1024

// DebounceInterval is how long Store coalesces consecutive Doc updates
// before writing a fresh snapshot.
const DebounceInterval = 5 * time.Second

const stateFileName = "mesh-state.json"

// ErrPathEscape is returned when the state file path, made absolute and
// lexically cleaned of `..` elements, falls outside the state directory.
// Symlinks are not resolved by this check.
var ErrPathEscape = errors.New("store: resolved path escapes state directory")

// ErrSnapshotTooLarge is returned by Load when the on-disk file exceeds
// MaxSnapshotBytes, and by the debounced writer when an encoded snapshot
// would exceed it (the latter indicates the document itself has grown
// beyond what this persistence design supports and is logged, not retried).
var ErrSnapshotTooLarge = errors.New("store: snapshot exceeds size limit")

// Store owns the on-disk snapshot file for one Doc and debounces writes
// triggered by Doc updates.
type Store struct {
	stateDir string
	doc      *crdtdoc.Doc
	logger   *zap.Logger

	mu        sync.Mutex
	timer     *time.Timer
	pending   bool
	unsub     func()
	closed    chan struct{}
	closeOnce sync.Once
}

// New resolves stateDir to an absolute path and returns a Store bound to
// doc. It does not load or write anything until Load or Start is called.
func New(stateDir string, doc *crdtdoc.Doc, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(stateDir)
	if err != nil {
		return nil, fmt.Errorf("store: resolve state dir: %w", err)
	}
	return &Store{
		stateDir: abs,
		doc:      doc,
		logger:   logger.Named("store"),
		closed:   make(chan struct{}),
	}, nil
}

func (s *Store) statePath() (string, error) {
	p := filepath.Join(s.stateDir, stateFileName)
	resolved, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("store: resolve state path: %w", err)
	}
	rel, err := filepath.Rel(s.stateDir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return resolved, nil
}

// Load reads the persisted snapshot, if any, and applies it to the bound
// Doc. A missing file is not an error — a fresh node starts with an empty
// document.
func (s *Store) Load() error {
	path, err := s.statePath()
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("store: stat state file: %w", err)
	}
	if info.Size() > MaxSnapshotBytes {
		return fmt.Errorf("%w: %d bytes", ErrSnapshotTooLarge, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("store: read state file: %w", err)
	}
	if err := s.doc.ApplyUpdate(data); err != nil {
		return fmt.Errorf("store: corrupted state file: %w", err)
	}
	return nil
}

// Save compacts the bound Doc (dropping tombstones) and writes the result
// atomically via temp file + rename, mirroring the agent connection
// manager's saveState.
func (s *Store) Save() error {
	path, err := s.statePath()
	if err != nil {
		return err
	}

	compacted := s.doc.Compact()
	data, err := compacted.EncodeSnapshot()
	if err != nil {
		return fmt.Errorf("store: encode snapshot: %w", err)
	}
	if len(data) > MaxSnapshotBytes {
		return fmt.Errorf("%w: %d bytes", ErrSnapshotTooLarge, len(data))
	}

	if err := os.MkdirAll(s.stateDir, 0750); err != nil {
		return fmt.Errorf("store: create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.stateDir, stateFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("store: rename state file: %w", err)
	}
	ok = true
	return nil
}

// Start loads the persisted snapshot and subscribes to the Doc so future
// mutations schedule a debounced Save. Call Stop to flush and unsubscribe.
func (s *Store) Start() error {
	if err := s.Load(); err != nil {
		return err
	}
	s.unsub = s.doc.OnUpdate(func(crdtdoc.Update) {
		s.scheduleSave()
	})
	return nil
}

func (s *Store) scheduleSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return
	default:
	}
	s.pending = true
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(DebounceInterval, s.flush)
}

func (s *Store) flush() {
	s.mu.Lock()
	s.timer = nil
	wasPending := s.pending
	s.pending = false
	s.mu.Unlock()

	if !wasPending {
		return
	}
	if err := s.Save(); err != nil {
		s.logger.Error("debounced snapshot write failed", zap.Error(err))
	}
}

// Stop cancels any pending debounce timer, unsubscribes from the Doc, and
// performs one final synchronous Save if a write was still pending.
func (s *Store) Stop() error {
	s.closeOnce.Do(func() { close(s.closed) })

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	wasPending := s.pending
	s.pending = false
	s.mu.Unlock()

	if s.unsub != nil {
		s.unsub()
	}
	if wasPending {
		return s.Save()
	}
	return nil
}
