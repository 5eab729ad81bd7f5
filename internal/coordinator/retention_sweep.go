package coordinator

import (
	"time"

	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// runClosedTaskRetention deletes tasks that reached a terminal status more
// than retentionWindow ago. Only the elected backbone coordinator performs
// deletions; every other node's tick is a no-op so the job can be
// scheduled uniformly everywhere.
func (c *Coordinator) runClosedTaskRetention() {
	if !c.IsElected() {
		return
	}

	cutoff := time.Now().Add(-c.retentionWindow)
	var toDelete []string

	c.tasks.Entries(func() any { return new(schema.Task) }, func(key string, v any) {
		t := v.(*schema.Task)
		if t.Status != schema.TaskCompleted && t.Status != schema.TaskFailed {
			return
		}
		if t.CloseTime().Before(cutoff) {
			toDelete = append(toDelete, key)
		}
	})

	for _, key := range toDelete {
		c.tasks.Delete(key)
	}
	if len(toDelete) > 0 {
		c.logger.Info("closed-task retention sweep", zap.Int("deleted", len(toDelete)))
	}

	now := time.Now()
	c.coordination.Set(schema.CoordKeyRetentionLastPruneAt, now)
}
