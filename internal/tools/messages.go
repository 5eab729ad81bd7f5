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

// deleteMessagesConfirmPhrase is the exact string delete_messages requires
// in its confirm parameter, a deliberate speed bump against accidental
// bulk deletion.
const deleteMessagesConfirmPhrase = "DELETE_MESSAGES"

// deleteMessagesMinReasonLen is the minimum length of delete_messages'
// required audit reason.
const deleteMessagesMinReasonLen = 15

// deleteMessagesMaxBatch caps how many messages one delete_messages call
// removes, newest first.
const deleteMessagesMaxBatch = 200

// MessageHandler implements the messaging operations: send, read,
// mark-read, and admin-only bulk delete.
type MessageHandler struct {
	messages *crdtdoc.MapHandle
	agents   *admission.Agents
	admin    *admission.AdminGate
	thisNode string
	authMode AuthMode
	logger   *zap.Logger
}

// NewMessageHandler binds a MessageHandler to doc's messages map.
func NewMessageHandler(doc *crdtdoc.Doc, agents *admission.Agents, admin *admission.AdminGate, thisNode string, authMode AuthMode, logger *zap.Logger) *MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageHandler{
		messages: doc.GetMap(schema.MapMessages),
		agents:   agents,
		admin:    admin,
		thisNode: thisNode,
		authMode: authMode,
		logger:   logger.Named("tools.messages"),
	}
}

// SendMessageParams holds send_message's inputs.
type SendMessageParams struct {
	Content    string
	To         []string
	FromAgent  string
	AgentID    string
	AgentToken string
	Metadata   map[string]any
}

// SendMessage creates a Message, broadcast to all local receivers when To
// is empty. FromAgent overrides the resolved caller only for registered
// external agents presenting a matching token.
func (h *MessageHandler) SendMessage(p SendMessageParams) (Envelope, error) {
	caller, cerr := resolveCaller(h.agents, h.authMode, p.AgentID, p.AgentToken)
	if cerr != nil {
		return fail(cerr)
	}
	if err := schema.ValidateMessageContent(p.Content); err != nil {
		return fail(invalidParams(err.Error()))
	}

	from := caller
	if p.FromAgent != "" && p.FromAgent != caller {
		rec, ok, err := h.agents.Get(p.FromAgent)
		if err != nil {
			return fail(internalErr("lookup from_agent: " + err.Error()))
		}
		if !ok || rec.Type != schema.AgentExternal || rec.Auth == nil {
			return fail(unauthorized("from_agent override requires a registered external agent with a bound token"))
		}
		if p.AgentToken == "" || !admission.VerifyToken(p.AgentToken, rec.Auth.TokenHash) {
			return fail(unauthorized("from_agent override requires a matching agent_token"))
		}
		from = p.FromAgent
	}

	now := time.Now()
	id := uuid.NewString()
	msg := schema.Message{
		ID:        id,
		FromAgent: from,
		FromNode:  h.thisNode,
		ToAgents:  p.To,
		Content:   p.Content,
		Timestamp: now,
		Metadata:  p.Metadata,
	}
	if _, err := h.messages.Set("msg-"+id, msg); err != nil {
		return fail(internalErr("persist message: " + err.Error()))
	}
	return ok(fmt.Sprintf("sent message %s", id), msg)
}

// ReadMessagesParams holds read_messages' inputs.
type ReadMessagesParams struct {
	AgentID      string
	IncludeRead  bool
	Limit        int
}

// ReadMessages lists messages addressed to (or broadcast for) AgentID,
// newest first, optionally excluding already-read ones.
func (h *MessageHandler) ReadMessages(p ReadMessagesParams) (Envelope, error) {
	if p.AgentID == "" {
		return fail(invalidParams("agentId is required"))
	}
	type keyed struct {
		key string
		msg schema.Message
	}
	var matches []keyed
	_ = h.messages.Entries(func() any { return new(schema.Message) }, func(key string, v any) {
		m := *(v.(*schema.Message))
		if !m.Addressed(p.AgentID) {
			return
		}
		if !p.IncludeRead && m.HasRead(p.AgentID) {
			return
		}
		matches = append(matches, keyed{key: key, msg: m})
	})

	sort.Slice(matches, func(i, j int) bool { return matches[i].msg.Timestamp.After(matches[j].msg.Timestamp) })
	if p.Limit > 0 && len(matches) > p.Limit {
		matches = matches[:p.Limit]
	}

	out := make([]schema.Message, len(matches))
	for i, m := range matches {
		out[i] = m.msg
	}
	return ok(fmt.Sprintf("%d message(s) for %s", len(out), p.AgentID), out)
}

// MarkReadParams holds mark_read's inputs.
type MarkReadParams struct {
	MessageKey string
	AgentID    string
}

// MarkRead records AgentID as having read a message.
func (h *MessageHandler) MarkRead(p MarkReadParams) (Envelope, error) {
	if p.AgentID == "" {
		return fail(invalidParams("agentId is required"))
	}
	key, msg, ferr := h.resolve(p.MessageKey)
	if ferr != nil {
		return fail(ferr)
	}
	if msg.HasRead(p.AgentID) {
		return ok(fmt.Sprintf("message %s already marked read by %s", key, p.AgentID), msg)
	}

	msg.ReadByAgents = append(msg.ReadByAgents, p.AgentID)
	now := time.Now()
	msg.UpdatedAt = &now
	if _, err := h.messages.Set(key, msg); err != nil {
		return fail(internalErr("persist read receipt: " + err.Error()))
	}
	return ok(fmt.Sprintf("marked message %s read by %s", key, p.AgentID), msg)
}

// DeleteMessagesParams holds delete_messages' inputs. This operation is
// admin-only and requires an exact confirm phrase plus an audit reason.
type DeleteMessagesParams struct {
	All        bool
	Reason     string
	Confirm    string
	CallerNode string
	CallerAgent string
}

// DeleteMessages removes up to deleteMessagesMaxBatch messages, newest
// first, after verifying admin capability and the confirm/reason speed
// bump.
func (h *MessageHandler) DeleteMessages(p DeleteMessagesParams) (Envelope, error) {
	allowed, err := h.admin.Allow(p.CallerNode, p.CallerAgent)
	if err != nil {
		return fail(internalErr("admin check: " + err.Error()))
	}
	if !allowed {
		return fail(adminRequired("delete_messages requires admin capability"))
	}
	if p.Confirm != deleteMessagesConfirmPhrase {
		return fail(invalidParams(fmt.Sprintf("confirm must equal %q", deleteMessagesConfirmPhrase)))
	}
	if len(p.Reason) < deleteMessagesMinReasonLen {
		return fail(invalidParams(fmt.Sprintf("reason must be at least %d characters", deleteMessagesMinReasonLen)))
	}
	if !p.All {
		return fail(invalidParams("only all=true bulk deletion is supported"))
	}

	type keyed struct {
		key string
		ts  time.Time
	}
	var all []keyed
	_ = h.messages.Entries(func() any { return new(schema.Message) }, func(key string, v any) {
		all = append(all, keyed{key: key, ts: v.(*schema.Message).Timestamp})
	})
	sort.Slice(all, func(i, j int) bool { return all[i].ts.After(all[j].ts) })
	if len(all) > deleteMessagesMaxBatch {
		all = all[:deleteMessagesMaxBatch]
	}

	for _, k := range all {
		h.messages.Delete(k.key)
	}
	h.logger.Info("admin bulk-deleted messages", zap.Int("count", len(all)), zap.String("reason", p.Reason))
	return ok(fmt.Sprintf("deleted %d message(s)", len(all)), len(all))
}

func (h *MessageHandler) resolve(needle string) (string, schema.Message, *Error) {
	records := make(map[string]schema.Message)
	_ = h.messages.Entries(func() any { return new(schema.Message) }, func(key string, v any) {
		records[key] = *(v.(*schema.Message))
	})

	key, err := schema.ResolveMessageKey(needle, records)
	if err != nil {
		if rerr, ok := err.(*schema.ResolveError); ok && rerr.Ambiguous {
			return "", schema.Message{}, ambiguous(rerr.Error(), rerr.Candidates)
		}
		return "", schema.Message{}, notFound(err.Error())
	}
	return key, records[key], nil
}
