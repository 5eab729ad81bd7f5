package coordinator

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// lockSuffix matches the *.jsonl.lock files left behind by a crashed or
// killed process mid-write; a clean shutdown always removes its own lock.
const lockSuffix = ".jsonl.lock"

// runLockSweep deletes *.jsonl.lock files under stateDir older than
// lockStaleAfter. Unlike the other two sweeps this is not gated on election
// — it only ever touches this node's own local filesystem, so every node
// must run it for itself.
func (c *Coordinator) runLockSweep() {
	if c.stateDir == "" {
		return
	}
	entries, err := os.ReadDir(c.stateDir)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("lock sweep: read state dir", zap.Error(err))
		}
		return
	}

	cutoff := time.Now().Add(-c.lockStaleAfter)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), lockSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(c.stateDir, e.Name())
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				c.logger.Warn("lock sweep: remove stale lock", zap.String("path", path), zap.Error(err))
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("lock sweep removed stale locks", zap.Int("removed", removed))
		if c.onLockRemoved != nil {
			c.onLockRemoved(removed)
		}
	}
}
