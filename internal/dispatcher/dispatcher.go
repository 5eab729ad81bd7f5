// Package dispatcher turns task assignments and message addressing into
// attempted deliveries against local agents, retrying failed attempts with
// exponential backoff up to a hard attempt cap, and tracking each
// (item, receiver) pair's delivery state so a restart or a duplicate CRDT
// merge never re-delivers something already confirmed received.
package dispatcher

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// reconcileDebounce coalesces bursts of Doc updates (many tasks/messages
// changing in quick succession) into a single reconcile pass, the same
// trailing-debounce shape internal/store uses for snapshot writes.
const reconcileDebounce = 200 * time.Millisecond

// Deliverer performs the actual handoff to a locally hosted agent — the
// host plugin's channel.reply facade in production, a recording fake in
// tests. A non-nil error means the attempt failed and should be retried.
type Deliverer interface {
	DeliverTask(task schema.Task, receiver string) error
	DeliverMessage(msg schema.Message, receiver string) error
}

// Dispatcher reconciles the tasks and messages maps against the set of
// locally hosted agents, attempting delivery and maintaining each item's
// per-receiver delivery ledger.
type Dispatcher struct {
	doc         *crdtdoc.Doc
	tasks       *crdtdoc.MapHandle
	messages    *crdtdoc.MapHandle
	nodeContext *crdtdoc.MapHandle
	deliverer   Deliverer
	localIDs    func() []string
	logger      *zap.Logger
	thisNode    string

	mu               sync.Mutex
	inFlight         map[string]bool
	scheduledRetries map[string]*time.Timer
	debounceTimer    *time.Timer
	pending          bool

	unsub  func()
	closed chan struct{}
	once   sync.Once

	onAttempt func(kind string, err error)
}

// New binds a Dispatcher to doc's tasks/messages maps. localIDs returns the
// set of agent ids currently hosted on this node — the only receivers this
// Dispatcher will ever attempt to deliver to; remote receivers are handled
// by their own node's Dispatcher once the CRDT update syncs there.
func New(doc *crdtdoc.Doc, thisNode string, deliverer Deliverer, localIDs func() []string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		doc:              doc,
		tasks:            doc.GetMap(schema.MapTasks),
		messages:         doc.GetMap(schema.MapMessages),
		nodeContext:      doc.GetMap(schema.MapNodeContext),
		deliverer:        deliverer,
		localIDs:         localIDs,
		logger:           logger.Named("dispatcher"),
		thisNode:         thisNode,
		inFlight:         make(map[string]bool),
		scheduledRetries: make(map[string]*time.Timer),
		closed:           make(chan struct{}),
	}
}

// Start subscribes to Doc updates on the tasks and messages maps and
// schedules a debounced reconcile pass on every change. An initial
// reconcile is scheduled through the same debounce to catch work that
// arrived before Start (e.g. loaded from the persisted snapshot).
func (d *Dispatcher) Start() {
	d.unsub = d.doc.OnUpdate(func(u crdtdoc.Update) {
		if u.MapName == schema.MapTasks || u.MapName == schema.MapMessages {
			d.scheduleReconcile()
		}
	})
	d.scheduleReconcile()
}

// Stop unsubscribes from Doc updates and cancels all pending retry timers.
// In-flight delivery attempts are allowed to finish; they simply won't be
// retried after Stop returns.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.closed) })
	if d.unsub != nil {
		d.unsub()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.debounceTimer != nil {
		d.debounceTimer.Stop()
	}
	for _, t := range d.scheduledRetries {
		t.Stop()
	}
	d.scheduledRetries = make(map[string]*time.Timer)
}

func (d *Dispatcher) scheduleReconcile() {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.closed:
		return
	default:
	}
	d.pending = true
	if d.debounceTimer != nil {
		return
	}
	d.debounceTimer = time.AfterFunc(reconcileDebounce, d.flushReconcile)
}

func (d *Dispatcher) flushReconcile() {
	d.mu.Lock()
	d.debounceTimer = nil
	wasPending := d.pending
	d.pending = false
	d.mu.Unlock()

	if wasPending {
		d.reconcile()
	}
}

// SetOnAttempt registers a callback fired after every delivery attempt with
// its kind ("task"/"message") and result — the host wires this to
// Prometheus attempt/failure counters.
func (d *Dispatcher) SetOnAttempt(fn func(kind string, err error)) {
	d.onAttempt = fn
}

// ReconcileNow forces an immediate, synchronous reconcile pass, bypassing
// the debounce. Within this module only tests call it.
func (d *Dispatcher) ReconcileNow() {
	d.reconcile()
}

func (d *Dispatcher) localReceiverSet() map[string]bool {
	set := make(map[string]bool)
	for _, id := range d.localIDs() {
		set[id] = true
	}
	return set
}

func (d *Dispatcher) reconcile() {
	local := d.localReceiverSet()
	if len(local) == 0 {
		return
	}

	d.reconcileTasks(local)
	d.reconcileMessages(local)
}

func (d *Dispatcher) reconcileTasks(local map[string]bool) {
	type item struct {
		key string
		t   schema.Task
	}
	var items []item
	d.tasks.Entries(func() any { return new(schema.Task) }, func(key string, v any) {
		items = append(items, item{key: key, t: *v.(*schema.Task)})
	})
	sort.Slice(items, func(i, j int) bool {
		if !items[i].t.CreatedAt.Equal(items[j].t.CreatedAt) {
			return items[i].t.CreatedAt.Before(items[j].t.CreatedAt)
		}
		return items[i].t.ID < items[j].t.ID
	})

	for _, it := range items {
		if !isDispatchableTaskStatus(it.t.Status) {
			continue
		}
		for _, receiver := range it.t.Assignees() {
			if !local[receiver] {
				continue
			}
			if it.t.ClaimedByAgent != "" && it.t.ClaimedByAgent != receiver {
				continue
			}
			if it.t.CreatedByAgent == receiver {
				continue
			}
			if it.t.SkillRequired != "" && !d.receiverHasSkill(receiver, it.t.SkillRequired) {
				continue
			}
			d.maybeAttempt("task", it.key, receiver, it.t.Delivery, func() error {
				return d.deliverer.DeliverTask(it.t, receiver)
			}, func(rec schema.DeliveryRecord) {
				d.updateTaskDelivery(it.key, receiver, rec)
			})
		}
	}
}

// isDispatchableTaskStatus reports whether a task in this status is still a
// candidate for delivery — terminal tasks (completed/failed) are not
// re-delivered.
func isDispatchableTaskStatus(s schema.TaskStatus) bool {
	switch s {
	case schema.TaskPending, schema.TaskClaimed, schema.TaskInProgress:
		return true
	default:
		return false
	}
}

// receiverHasSkill reports whether receiver's NodeContext advertises skill.
func (d *Dispatcher) receiverHasSkill(receiver, skill string) bool {
	var ctx schema.NodeContext
	ok, err := d.nodeContext.Get(receiver, &ctx)
	if err != nil || !ok {
		return false
	}
	return ctx.HasSkill(skill)
}

func (d *Dispatcher) reconcileMessages(local map[string]bool) {
	type item struct {
		key string
		m   schema.Message
	}
	var items []item
	d.messages.Entries(func() any { return new(schema.Message) }, func(key string, v any) {
		items = append(items, item{key: key, m: *v.(*schema.Message)})
	})
	sort.Slice(items, func(i, j int) bool {
		if !items[i].m.Timestamp.Equal(items[j].m.Timestamp) {
			return items[i].m.Timestamp.Before(items[j].m.Timestamp)
		}
		return items[i].m.ID < items[j].m.ID
	})

	for _, it := range items {
		receivers := it.m.ToAgents
		if it.m.IsBroadcast() {
			receivers = make([]string, 0, len(local))
			for id := range local {
				receivers = append(receivers, id)
			}
		}
		for _, receiver := range receivers {
			if !local[receiver] {
				continue
			}
			if it.m.FromAgent == receiver {
				continue
			}
			if it.m.HasRead(receiver) {
				continue
			}
			d.maybeAttempt("message", it.key, receiver, it.m.Delivery, func() error {
				return d.deliverer.DeliverMessage(it.m, receiver)
			}, func(rec schema.DeliveryRecord) {
				d.updateMessageDelivery(it.key, receiver, rec)
			})
		}
	}
}

// maybeAttempt checks the current delivery record for (kind,id,receiver)
// and, if it is eligible (not already delivered, not over the attempt cap,
// not already in flight or waiting on a scheduled retry), attempts delivery
// in a new goroutine.
func (d *Dispatcher) maybeAttempt(kind, id, receiver string, delivery map[string]schema.DeliveryRecord, attempt func() error, save func(schema.DeliveryRecord)) {
	key := kind + "/" + id + "/" + receiver
	rec := delivery[receiver]

	if rec.State == schema.DeliveryDelivered {
		return
	}
	if rec.Attempts >= schema.MaxDeliveryAttempts {
		return
	}

	d.mu.Lock()
	if d.inFlight[key] {
		d.mu.Unlock()
		return
	}
	if _, waiting := d.scheduledRetries[key]; waiting {
		d.mu.Unlock()
		return
	}
	d.inFlight[key] = true
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.inFlight, key)
			d.mu.Unlock()
		}()

		err := attempt()
		if d.onAttempt != nil {
			d.onAttempt(kind, err)
		}
		now := time.Now()
		next := rec
		next.Attempts = rec.Attempts + 1
		next.At = now
		next.By = d.thisNode

		if err == nil {
			next.State = schema.DeliveryDelivered
			next.LastError = ""
			save(next)
			return
		}

		next.State = schema.DeliveryAttempted
		next.LastError = err.Error()
		save(next)

		if next.Attempts >= schema.MaxDeliveryAttempts {
			d.logger.Warn("delivery permanently abandoned after max attempts",
				zap.String("kind", kind), zap.String("id", id), zap.String("receiver", receiver),
				zap.Int("attempts", next.Attempts))
			return
		}

		delay := nextBackoff(next.Attempts - 1)
		d.scheduleRetry(key, delay)
	}()
}

func (d *Dispatcher) scheduleRetry(key string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.closed:
		return
	default:
	}
	d.scheduledRetries[key] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.scheduledRetries, key)
		d.mu.Unlock()
		d.reconcile()
	})
}

func (d *Dispatcher) updateTaskDelivery(key, receiver string, rec schema.DeliveryRecord) {
	var t schema.Task
	ok, err := d.tasks.Get(key, &t)
	if err != nil || !ok {
		return
	}
	if t.Delivery == nil {
		t.Delivery = make(map[string]schema.DeliveryRecord)
	}
	t.Delivery[receiver] = rec
	d.tasks.Set(key, t)
}

func (d *Dispatcher) updateMessageDelivery(key, receiver string, rec schema.DeliveryRecord) {
	var m schema.Message
	ok, err := d.messages.Get(key, &m)
	if err != nil || !ok {
		return
	}
	if m.Delivery == nil {
		m.Delivery = make(map[string]schema.DeliveryRecord)
	}
	m.Delivery[receiver] = rec
	if rec.State == schema.DeliveryDelivered {
		alreadyRead := false
		for _, a := range m.ReadByAgents {
			if a == receiver {
				alreadyRead = true
				break
			}
		}
		if !alreadyRead {
			m.ReadByAgents = append(m.ReadByAgents, receiver)
		}
	}
	d.messages.Set(key, m)
}

// PublishReply creates a new Message from fromAgent to toAgent, suppressing
// publication if content matches two or more of the known model/transport
// error phrases (see suppress.go), preventing a raw "HTTP 429" or
// context-length error from bouncing between agents forever.
func (d *Dispatcher) PublishReply(fromAgent, fromNode, toAgent, content string) error {
	if shouldSuppressReply(content) {
		d.logger.Debug("suppressed auto-reply matching failure-notice pattern",
			zap.String("from", fromAgent), zap.String("to", toAgent))
		return nil
	}
	if err := schema.ValidateMessageContent(content); err != nil {
		return err
	}

	id := uuid.NewString()
	msg := schema.Message{
		ID:        id,
		FromAgent: fromAgent,
		FromNode:  fromNode,
		ToAgents:  []string{toAgent},
		Content:   content,
		Timestamp: time.Now(),
	}
	key := fmt.Sprintf("msg-%s", id)
	_, err := d.messages.Set(key, msg)
	return err
}
