package tools

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/admission"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// TaskHandler implements the task-lifecycle operations: delegate, claim,
// update, complete, find.
type TaskHandler struct {
	tasks       *crdtdoc.MapHandle
	nodeContext *crdtdoc.MapHandle
	agentsMap   *crdtdoc.MapHandle
	agents      *admission.Agents
	thisNode    string
	authMode    AuthMode
	logger      *zap.Logger
}

// NewTaskHandler binds a TaskHandler to doc's maps.
func NewTaskHandler(doc *crdtdoc.Doc, agents *admission.Agents, thisNode string, authMode AuthMode, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{
		tasks:       doc.GetMap(schema.MapTasks),
		nodeContext: doc.GetMap(schema.MapNodeContext),
		agentsMap:   doc.GetMap(schema.MapAgents),
		agents:      agents,
		thisNode:    thisNode,
		authMode:    authMode,
		logger:      logger.Named("tools.tasks"),
	}
}

// DelegateTaskParams holds delegate_task's inputs.
type DelegateTaskParams struct {
	Title          string
	Description    string
	Context        string
	AssignedTo     string
	Requires       []string
	SkillRequired  string
	Intent         string
	Metadata       map[string]any
	AgentID        string
	AgentToken     string
}

// DelegateTask constructs a pending Task, resolving its assignee from an
// explicit agent id, a node-id back-compat lookup, or a skills
// intersection.
func (h *TaskHandler) DelegateTask(p DelegateTaskParams) (Envelope, error) {
	caller, cerr := resolveCaller(h.agents, h.authMode, p.AgentID, p.AgentToken)
	if cerr != nil {
		return fail(cerr)
	}
	if err := schema.ValidateTitle(p.Title); err != nil {
		return fail(invalidParams(err.Error()))
	}
	if err := schema.ValidateDescription(p.Description); err != nil {
		return fail(invalidParams(err.Error()))
	}
	if err := schema.ValidateContext(p.Context); err != nil {
		return fail(invalidParams(err.Error()))
	}

	single, multi := h.resolveAssignees(p.AssignedTo, p.Requires)

	now := time.Now()
	id := uuid.NewString()
	task := schema.Task{
		ID:               id,
		Title:            p.Title,
		Description:      p.Description,
		Status:           schema.TaskPending,
		CreatedByAgent:   caller,
		CreatedByNode:    h.thisNode,
		CreatedAt:        now,
		AssignedToAgent:  single,
		AssignedToAgents: multi,
		Requires:         p.Requires,
		SkillRequired:    p.SkillRequired,
		Intent:           p.Intent,
		Metadata:         p.Metadata,
	}
	if _, err := h.tasks.Set("task-"+id, task); err != nil {
		return fail(internalErr("persist task: " + err.Error()))
	}

	return ok(fmt.Sprintf("delegated task %s %q", id, p.Title), task)
}

// resolveAssignees implements the explicit-agent > node-id back-compat >
// skills-lookup priority chain.
func (h *TaskHandler) resolveAssignees(assignedTo string, requires []string) (single string, multi []string) {
	if assignedTo != "" {
		if _, ok, _ := h.agents.Get(assignedTo); ok {
			return assignedTo, nil
		}
		if agent := h.firstInternalAgentOnNode(assignedTo); agent != "" {
			return agent, nil
		}
		return "", nil
	}
	if len(requires) == 0 {
		return "", nil
	}
	matches := h.agentsWithAllSkills(requires)
	if len(matches) == 0 {
		matches = h.agentsWithAnySkill(requires)
	}
	sort.Strings(matches)
	if len(matches) == 1 {
		return matches[0], nil
	}
	return "", matches
}

func (h *TaskHandler) firstInternalAgentOnNode(nodeID string) string {
	var found string
	_ = h.agentsMap.Entries(func() any { return new(schema.AgentRecord) }, func(key string, v any) {
		if found != "" {
			return
		}
		rec := v.(*schema.AgentRecord)
		if rec.Type == schema.AgentInternal && rec.Gateway == nodeID {
			found = key
		}
	})
	return found
}

func (h *TaskHandler) agentsWithAllSkills(requires []string) []string {
	var matches []string
	_ = h.nodeContext.Entries(func() any { return new(schema.NodeContext) }, func(key string, v any) {
		ctx := v.(*schema.NodeContext)
		for _, skill := range requires {
			if !ctx.HasSkill(skill) {
				return
			}
		}
		matches = append(matches, key)
	})
	return matches
}

func (h *TaskHandler) agentsWithAnySkill(requires []string) []string {
	seen := make(map[string]bool)
	var matches []string
	_ = h.nodeContext.Entries(func() any { return new(schema.NodeContext) }, func(key string, v any) {
		ctx := v.(*schema.NodeContext)
		for _, skill := range requires {
			if ctx.HasSkill(skill) && !seen[key] {
				seen[key] = true
				matches = append(matches, key)
				return
			}
		}
	})
	return matches
}

// ClaimTaskParams holds claim_task's inputs.
type ClaimTaskParams struct {
	TaskKey    string
	AgentID    string
	AgentToken string
}

// ClaimTask assigns a pending task to the calling agent. CRDT last-writer-
// wins on the full record resolves concurrent claims: whichever write
// merges last determines the sole claimer.
func (h *TaskHandler) ClaimTask(p ClaimTaskParams) (Envelope, error) {
	caller, cerr := resolveCaller(h.agents, h.authMode, p.AgentID, p.AgentToken)
	if cerr != nil {
		return fail(cerr)
	}
	key, t, ferr := h.resolve(p.TaskKey)
	if ferr != nil {
		return fail(ferr)
	}
	if t.Status != schema.TaskPending {
		return fail(precondition(fmt.Sprintf("task %s is not pending (status=%s)", key, t.Status)))
	}

	now := time.Now()
	t.Status = schema.TaskClaimed
	t.ClaimedByAgent = caller
	t.ClaimedByNode = h.thisNode
	t.ClaimedAt = &now
	t.UpdatedAt = &now
	t.Updates = appendUpdate(t.Updates, schema.TaskUpdate{At: now, ByAgent: caller, Status: schema.TaskClaimed})

	if _, err := h.tasks.Set(key, t); err != nil {
		return fail(internalErr("persist claim: " + err.Error()))
	}

	// Re-read after the CRDT merge: a concurrent claim from another node may
	// have won the race between our read and our write.
	var after schema.Task
	if ok, _ := h.tasks.Get(key, &after); ok && after.ClaimedByAgent != caller {
		return fail(precondition(fmt.Sprintf("task %s is already claimed by %s", key, after.ClaimedByAgent)))
	}

	return ok(fmt.Sprintf("claimed task %s", key), t)
}

// UpdateTaskParams holds update_task's inputs.
type UpdateTaskParams struct {
	TaskKey    string
	Status     schema.TaskStatus
	Note       string
	Result     string
	AgentID    string
	AgentToken string
}

// UpdateTask transitions a task to in_progress or failed. Only the
// claiming agent may call this.
func (h *TaskHandler) UpdateTask(p UpdateTaskParams) (Envelope, error) {
	if p.Status != schema.TaskInProgress && p.Status != schema.TaskFailed {
		return fail(invalidParams("status must be in_progress or failed"))
	}
	return h.transition(p.TaskKey, p.Status, p.Note, p.Result, p.AgentID, p.AgentToken)
}

// CompleteTaskParams holds complete_task's inputs.
type CompleteTaskParams struct {
	TaskKey    string
	Result     string
	AgentID    string
	AgentToken string
}

// CompleteTask transitions a task to completed.
func (h *TaskHandler) CompleteTask(p CompleteTaskParams) (Envelope, error) {
	return h.transition(p.TaskKey, schema.TaskCompleted, "", p.Result, p.AgentID, p.AgentToken)
}

func (h *TaskHandler) transition(taskKey string, to schema.TaskStatus, note, result, agentID, agentToken string) (Envelope, error) {
	caller, cerr := resolveCaller(h.agents, h.authMode, agentID, agentToken)
	if cerr != nil {
		return fail(cerr)
	}
	key, t, ferr := h.resolve(taskKey)
	if ferr != nil {
		return fail(ferr)
	}
	if t.ClaimedByAgent != caller {
		return fail(precondition(fmt.Sprintf("task %s may only be transitioned by its claimer %q", key, t.ClaimedByAgent)))
	}
	if !schema.IsValidTaskTransition(t.Status, to) {
		return fail(precondition(fmt.Sprintf("task %s cannot move from %s to %s", key, t.Status, to)))
	}
	if result != "" {
		if err := schema.ValidateResult(result); err != nil {
			return fail(invalidParams(err.Error()))
		}
	}

	now := time.Now()
	t.Status = to
	t.UpdatedAt = &now
	if result != "" {
		t.Result = result
	}
	if to == schema.TaskCompleted {
		t.CompletedAt = &now
	}
	t.Updates = appendUpdate(t.Updates, schema.TaskUpdate{At: now, ByAgent: caller, Status: to, Note: note})

	if _, err := h.tasks.Set(key, t); err != nil {
		return fail(internalErr("persist transition: " + err.Error()))
	}
	return ok(fmt.Sprintf("task %s -> %s", key, to), t)
}

// CreateSkillTaskParams holds create_skill_task's inputs — sugar over
// DelegateTask that always routes through the skills-lookup assignee
// resolution for a single required skill.
type CreateSkillTaskParams struct {
	Skill       string
	Title       string
	Description string
	Context     string
	Metadata    map[string]any
	AgentID     string
	AgentToken  string
}

// CreateSkillTask delegates a task requiring Skill, letting the normal
// skills-intersection resolution pick the assignee(s).
func (h *TaskHandler) CreateSkillTask(p CreateSkillTaskParams) (Envelope, error) {
	if p.Skill == "" {
		return fail(invalidParams("skill is required"))
	}
	return h.DelegateTask(DelegateTaskParams{
		Title:         p.Title,
		Description:   p.Description,
		Context:       p.Context,
		Requires:      []string{p.Skill},
		SkillRequired: p.Skill,
		Metadata:      p.Metadata,
		AgentID:       p.AgentID,
		AgentToken:    p.AgentToken,
	})
}

// FindTaskParams holds find_task's inputs.
type FindTaskParams struct {
	Needle string
}

// FindTask resolves a short id/key fragment to a unique task via
// schema.ResolveTaskKey.
func (h *TaskHandler) FindTask(p FindTaskParams) (Envelope, error) {
	if p.Needle == "" {
		return fail(invalidParams("needle is required"))
	}
	key, t, ferr := h.resolve(p.Needle)
	if ferr != nil {
		return fail(ferr)
	}
	return ok(fmt.Sprintf("found task %s %q", key, t.Title), t)
}

// resolve looks up a task by key/id fragment via schema.ResolveTaskKey and
// decodes it.
func (h *TaskHandler) resolve(needle string) (string, schema.Task, *Error) {
	records := make(map[string]schema.Task)
	_ = h.tasks.Entries(func() any { return new(schema.Task) }, func(key string, v any) {
		records[key] = *(v.(*schema.Task))
	})

	key, err := schema.ResolveTaskKey(needle, records)
	if err != nil {
		if rerr, ok := err.(*schema.ResolveError); ok && rerr.Ambiguous {
			return "", schema.Task{}, ambiguous(rerr.Error(), rerr.Candidates)
		}
		return "", schema.Task{}, notFound(err.Error())
	}
	return key, records[key], nil
}

func appendUpdate(updates []schema.TaskUpdate, u schema.TaskUpdate) []schema.TaskUpdate {
	updates = append(updates, u)
	if len(updates) > schema.MaxTaskUpdates {
		updates = updates[len(updates)-schema.MaxTaskUpdates:]
	}
	return updates
}
