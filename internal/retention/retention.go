// Package retention runs the local message retention sweep: on every node
// (not just the elected coordinator, unlike the coordinator package's
// sweeps), drop read messages older than a TTL and cap the live message
// count, never touching unread messages. Retention runs on edge nodes too,
// since each node only prunes its own locally-visible messages map and an
// edge with no local copy of a message has nothing to prune.
package retention

import (
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// Default TTL and count cap.
const (
	DefaultReadMessageTTL = 24 * time.Hour
	DefaultMaxMessages    = 50
	sweepInterval          = "@every 60s"
	firstRunDelay          = 5 * time.Second
)

// Sweeper drops read messages older than TTL and caps the live message
// count, leaving unread messages untouched regardless of age or count.
type Sweeper struct {
	messages *crdtdoc.MapHandle
	logger   *zap.Logger
	cron     *cron.Cron

	ttl         time.Duration
	maxMessages int
	onPrune     func(n int)
}

// New binds to doc's messages map.
func New(doc *crdtdoc.Doc, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		messages:    doc.GetMap(schema.MapMessages),
		logger:      logger.Named("retention"),
		cron:        cron.New(),
		ttl:         DefaultReadMessageTTL,
		maxMessages: DefaultMaxMessages,
	}
}

// SetTTL overrides the read-message age threshold, e.g. from the
// "retention.retentionClosedTaskSeconds"-sibling local config knob.
func (s *Sweeper) SetTTL(d time.Duration) {
	if d > 0 {
		s.ttl = d
	}
}

// SetMaxMessages overrides the live-message cap.
func (s *Sweeper) SetMaxMessages(n int) {
	if n > 0 {
		s.maxMessages = n
	}
}

// Start schedules the sweep to run once after firstRunDelay and then every
// 60s on a fixed interval rather than per-policy cron expressions, since
// retention has exactly one schedule shared by every node.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(sweepInterval, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	time.AfterFunc(firstRunDelay, s.sweep)
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// SetOnPrune registers a callback fired after a sweep that actually deleted
// messages, with the count removed — the host wires this to a Prometheus
// counter rather than this package importing metrics concerns directly.
func (s *Sweeper) SetOnPrune(fn func(n int)) {
	s.onPrune = fn
}

// SweepNow runs one sweep synchronously instead of waiting for the next
// scheduled run. The set_retention tool does not call it.
func (s *Sweeper) SweepNow() {
	s.sweep()
}

type candidate struct {
	key       string
	timestamp time.Time
}

func (s *Sweeper) sweep() {
	var readCandidates []candidate
	var liveCount int

	err := s.messages.Entries(func() any { return new(schema.Message) }, func(key string, v any) {
		msg := v.(*schema.Message)
		liveCount++
		if len(msg.ToAgents) == 0 {
			return
		}
		allRead := true
		for _, to := range msg.ToAgents {
			if !msg.HasRead(to) {
				allRead = false
				break
			}
		}
		if allRead {
			readCandidates = append(readCandidates, candidate{key: key, timestamp: msg.Timestamp})
		}
	})
	if err != nil {
		s.logger.Error("retention sweep: decode failure", zap.Error(err))
		return
	}

	sort.Slice(readCandidates, func(i, j int) bool {
		return readCandidates[i].timestamp.Before(readCandidates[j].timestamp)
	})

	cutoff := time.Now().Add(-s.ttl)
	deleted := 0

	// Phase 1: drop anything past the TTL, oldest first.
	var remaining []candidate
	for _, c := range readCandidates {
		if c.timestamp.Before(cutoff) {
			s.messages.Delete(c.key)
			deleted++
		} else {
			remaining = append(remaining, c)
		}
	}

	// Phase 2: if still over the cap, drop the oldest surviving read
	// messages (never unread ones, which were never added to the
	// candidate list) until the live count is back at the cap.
	liveAfterPhase1 := liveCount - deleted
	excess := liveAfterPhase1 - s.maxMessages
	for i := 0; i < excess && i < len(remaining); i++ {
		s.messages.Delete(remaining[i].key)
		deleted++
	}

	if deleted > 0 {
		s.logger.Info("retention sweep pruned messages", zap.Int("deleted", deleted))
		if s.onPrune != nil {
			s.onPrune(deleted)
		}
	}
}
