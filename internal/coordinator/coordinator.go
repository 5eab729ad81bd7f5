// Package coordinator runs the sweeps that only make sense to execute once
// across the whole mesh: closed-task retention, SLA breach escalation, and
// stale session-lock cleanup. The first two are gated on this node holding
// the elected coordinator role on the backbone tier; the lock sweep runs
// unconditionally on every node since it only ever touches that node's own
// local filesystem.
package coordinator

import (
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// Default sweep cadences and thresholds.
const (
	DefaultClosedTaskRetention = 7 * 24 * time.Hour
	DefaultRetentionCadence    = 24 * time.Hour
	DefaultSLASweepCadence     = 300 * time.Second
	DefaultSLAEscalationBudget = 20
	DefaultLockStaleAfter      = time.Hour
)

// Coordinator owns the gocron scheduler for elected sweeps and the robfig
// scheduler for the always-on lock sweep.
type Coordinator struct {
	doc           *crdtdoc.Doc
	coordination  *crdtdoc.MapHandle
	tasks         *crdtdoc.MapHandle
	messages      *crdtdoc.MapHandle
	nodes         *crdtdoc.MapHandle
	thisNode      string
	tier          schema.Tier
	stateDir      string
	logger        *zap.Logger

	gocronSched gocron.Scheduler
	lockCron    *cron.Cron

	retentionWindow time.Duration
	slaBudget       int
	slaEnabled      bool
	slaCadence      time.Duration
	slaRecordOnly   bool
	slaFYIAgents    []string
	lockStaleAfter  time.Duration

	onEscalate    func(kind string)
	onLockRemoved func(n int)
}

// New builds a Coordinator bound to doc for thisNode at tier.
func New(doc *crdtdoc.Doc, thisNode string, tier schema.Tier, stateDir string, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		doc:             doc,
		coordination:    doc.GetMap(schema.MapCoordination),
		tasks:           doc.GetMap(schema.MapTasks),
		messages:        doc.GetMap(schema.MapMessages),
		nodes:           doc.GetMap(schema.MapNodes),
		thisNode:        thisNode,
		tier:            tier,
		stateDir:        stateDir,
		logger:          logger.Named("coordinator"),
		gocronSched:     sched,
		lockCron:        cron.New(),
		retentionWindow: DefaultClosedTaskRetention,
		slaBudget:       DefaultSLAEscalationBudget,
		slaEnabled:      true,
		slaCadence:      DefaultSLASweepCadence,
		lockStaleAfter:  DefaultLockStaleAfter,
	}, nil
}

// IsElected reports whether this node currently holds the coordinator role.
// Only backbone-tier nodes are eligible regardless of what the coordination
// map says — an edge node is never allowed to run elected sweeps even if it
// is (incorrectly) recorded as coordinator, since it may be offline for
// long stretches.
func (c *Coordinator) IsElected() bool {
	if c.tier != schema.TierBackbone {
		return false
	}
	var current string
	ok, err := c.coordination.Get(schema.CoordKeyCoordinator, &current)
	if err != nil || !ok {
		return false
	}
	return current == c.thisNode
}

// Claim sets this node as coordinator if no coordinator is currently set,
// or if the current coordinator is no longer present in the nodes map (its
// liveness and tier are not checked). Returns true if this node is
// coordinator after the call.
func (c *Coordinator) Claim() (bool, error) {
	if c.tier != schema.TierBackbone {
		return false, nil
	}
	var current string
	ok, err := c.coordination.Get(schema.CoordKeyCoordinator, &current)
	if err != nil {
		return false, err
	}
	if ok && current != "" {
		if c.nodes.Has(current) {
			return current == c.thisNode, nil
		}
	}
	if _, err := c.coordination.Set(schema.CoordKeyCoordinator, c.thisNode); err != nil {
		return false, err
	}
	return true, nil
}

// SetRetentionWindow overrides the closed-task retention threshold.
func (c *Coordinator) SetRetentionWindow(d time.Duration) {
	if d > 0 {
		c.retentionWindow = d
	}
}

// SetSLABudget overrides the per-sweep escalation message budget.
func (c *Coordinator) SetSLABudget(n int) {
	if n > 0 {
		c.slaBudget = n
	}
}

// SetLockStaleAfter overrides the session-lock staleness threshold.
func (c *Coordinator) SetLockStaleAfter(d time.Duration) {
	if d > 0 {
		c.lockStaleAfter = d
	}
}

// SetSLAEnabled toggles the SLA sweep entirely; disabled means runSLASweep
// no-ops every tick without even scanning tasks.
func (c *Coordinator) SetSLAEnabled(enabled bool) {
	c.slaEnabled = enabled
}

// SetSLACadence overrides how often the SLA sweep runs. Must be set before
// Start.
func (c *Coordinator) SetSLACadence(d time.Duration) {
	if d > 0 {
		c.slaCadence = d
	}
}

// SetSLARecordOnly makes the SLA sweep record escalations on the task
// (so they never re-fire) without emitting any message — useful for
// dry-running a new SLA policy before it starts paging agents.
func (c *Coordinator) SetSLARecordOnly(recordOnly bool) {
	c.slaRecordOnly = recordOnly
}

// SetSLAFYIAgents sets the fallback recipients for an SLA breach message
// when the breached task has neither a createdBy_agent nor claimedBy_agent
// to notify.
func (c *Coordinator) SetSLAFYIAgents(agents []string) {
	c.slaFYIAgents = agents
}

// SetOnEscalate registers a callback fired once per SLA breach escalation
// written, named by breach kind — the host wires this to a Prometheus
// counter.
func (c *Coordinator) SetOnEscalate(fn func(kind string)) {
	c.onEscalate = fn
}

// SetOnLockRemoved registers a callback fired after a lock sweep that
// actually removed stale lock files, with the count removed.
func (c *Coordinator) SetOnLockRemoved(fn func(n int)) {
	c.onLockRemoved = fn
}

// Start schedules all three sweeps. Closed-task retention and the SLA sweep
// check election status on every tick and no-op when this node is not
// coordinator, so they are safe to schedule on every node uniformly; the
// lock sweep runs unconditionally.
func (c *Coordinator) Start() error {
	if _, err := c.gocronSched.NewJob(
		gocron.DurationJob(DefaultRetentionCadence),
		gocron.NewTask(c.runClosedTaskRetention),
		gocron.WithTags("closed-task-retention"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return err
	}
	if _, err := c.gocronSched.NewJob(
		gocron.DurationJob(c.slaCadence),
		gocron.NewTask(c.runSLASweep),
		gocron.WithTags("sla-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return err
	}
	c.gocronSched.Start()

	if _, err := c.lockCron.AddFunc("@every 1m", c.runLockSweep); err != nil {
		return err
	}
	c.lockCron.Start()
	return nil
}

// Stop shuts down both schedulers, waiting for in-flight runs to finish.
func (c *Coordinator) Stop() error {
	if err := c.gocronSched.Shutdown(); err != nil {
		return err
	}
	ctx := c.lockCron.Stop()
	<-ctx.Done()
	return nil
}
