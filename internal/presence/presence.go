// Package presence tracks agent liveness via the pulse submap: a 30s
// heartbeat that each agent's host node writes, and a staleness check that
// downgrades a reported status to offline on read once the heartbeat is
// overdue, without requiring a write.
package presence

import (
	"time"

	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// HeartbeatInterval is how often a live agent's host node refreshes its
// pulse.
const HeartbeatInterval = 30 * time.Second

// StaleThreshold is the default window after which a pulse with no refresh
// is reported offline regardless of its last written status.
const StaleThreshold = 5 * time.Minute

// Tracker owns the pulse map.
type Tracker struct {
	pulse  *crdtdoc.MapHandle
	logger *zap.Logger

	staleThreshold time.Duration
}

// New binds to doc's pulse map.
func New(doc *crdtdoc.Doc, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		pulse:          doc.GetMap(schema.MapPulse),
		logger:         logger.Named("presence"),
		staleThreshold: StaleThreshold,
	}
}

// SetStaleThreshold overrides the default staleness window, e.g. from
// configuration.
func (t *Tracker) SetStaleThreshold(d time.Duration) {
	if d > 0 {
		t.staleThreshold = d
	}
}

// Beat writes one heartbeat for agentID: lastSeen=now, status=status, and
// optionally currentTask. Each field is written independently via
// SubmapSet so concurrent heartbeats for different agents, or concurrent
// updates to different fields of the same agent, never clobber siblings.
func (t *Tracker) Beat(agentID string, status schema.PulseStatus, currentTask string) error {
	if err := schema.ValidatePulseStatus(status); err != nil {
		return err
	}
	if _, err := t.pulse.SubmapSet(agentID, schema.PulseFieldStatus, status); err != nil {
		return err
	}
	if _, err := t.pulse.SubmapSet(agentID, schema.PulseFieldLastSeen, time.Now()); err != nil {
		return err
	}
	if currentTask != "" {
		if _, err := t.pulse.SubmapSet(agentID, schema.PulseFieldCurrentTask, currentTask); err != nil {
			return err
		}
	}
	return nil
}

// Start launches a background goroutine that calls Beat for agentID every
// HeartbeatInterval until the returned stop function is called. Used for
// internal agents hosted directly by this process; the status tool writes
// no pulse, so external agents are not heartbeated by this module.
func (t *Tracker) Start(agentID string, status schema.PulseStatus, currentTask func() string) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		if err := t.Beat(agentID, status, currentTask()); err != nil {
			t.logger.Warn("initial heartbeat failed", zap.String("agent", agentID), zap.Error(err))
		}
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := t.Beat(agentID, status, currentTask()); err != nil {
					t.logger.Warn("heartbeat failed", zap.String("agent", agentID), zap.Error(err))
				}
			}
		}
	}()
	return func() { close(done) }
}

// Read returns the effective pulse for agentID, downgrading to offline when
// the last heartbeat is older than the staleness threshold even if the
// stored status still says online/busy — a read-time staleness check that
// avoids needing a background sweep just to expire presence.
func (t *Tracker) Read(agentID string) (schema.PulseSnapshot, bool, error) {
	var snap schema.PulseSnapshot
	ok, err := t.pulse.SubmapGet(agentID, &snap)
	if err != nil || !ok {
		return snap, ok, err
	}
	if time.Since(snap.LastSeen) > t.staleThreshold {
		snap.Status = schema.PulseOffline
	}
	return snap, true, nil
}

// MarkOffline writes a graceful-stop offline mutation, used when an agent
// or node shuts down cleanly rather than being detected stale.
func (t *Tracker) MarkOffline(agentID string) error {
	_, err := t.pulse.SubmapSet(agentID, schema.PulseFieldStatus, schema.PulseOffline)
	return err
}
