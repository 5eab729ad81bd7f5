package pluginhost

import (
	"encoding/json"
	"fmt"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/tools"
)

// ToolFunc is the shape every tool the host registers on our behalf takes:
// raw JSON params in, an envelope or a typed error out. This is the
// adapter boundary between the host's own RPC/JSON framing and the typed
// Params structs each handler in internal/tools actually expects.
type ToolFunc func(raw json.RawMessage) (tools.Envelope, error)

// RegisterChannelReply binds the host's channel.reply facade — the single
// primitive the dispatcher needs to hand a task or message to a locally
// running agent. Must be called before StartServices for delivery to work;
// calling it later is also safe, since the dispatcher reads it through a
// closure on every attempt.
func (h *Host) RegisterChannelReply(fn ReplyFunc) {
	h.reply = fn
}

// OnBeforeAgentStart registers a hook run by StartLocalAgent before an
// internal agent's first heartbeat is written — the on("before_agent_start",
// ...) event of the host plugin contract.
func (h *Host) OnBeforeAgentStart(fn func(agentID string) error) {
	h.beforeStarts = append(h.beforeStarts, fn)
}

// StartLocalAgent registers agentID as an internal agent hosted on this
// node (rewriting any existing record but keeping its token binding), runs
// every before_agent_start hook, and
// starts its heartbeat loop. currentTask reports the agent's in-progress
// task id, or "" when idle; it is polled once per heartbeat interval.
func (h *Host) StartLocalAgent(agentID string, currentTask func() string) (stop func(), err error) {
	if err := h.agents.Register(agentID, schema.AgentInternal, h.cfg.NodeID, h.cfg.NodeID); err != nil {
		return nil, fmt.Errorf("pluginhost: register local agent: %w", err)
	}
	for _, hook := range h.beforeStarts {
		if err := hook(agentID); err != nil {
			return nil, fmt.Errorf("pluginhost: before_agent_start hook: %w", err)
		}
	}
	return h.presenceTracker.Start(agentID, schema.PulseOnline, currentTask), nil
}

// RegisterServices calls register once per named service this module
// exposes, mirroring the host plugin contract's registerService primitive.
// Each value is a concrete *tools.XHandler the host can type-assert and
// call directly, or hold onto for its own RPC framing.
func (h *Host) RegisterServices(register func(name string, svc any)) {
	register("mesh.tasks", h.tasks)
	register("mesh.messages", h.messages)
	register("mesh.status", h.status)
	register("mesh.coordination", h.coordination)
	register("mesh.agents", h.agentsTool)
	register("mesh.admin", h.adminTool)
}

// RegisterTools calls register once per tool in the command surface,
// each wired to decode its raw JSON params into the concrete
// Params struct the underlying handler expects. The host owns exposing
// these under whatever RPC/tool-call mechanism it uses.
func (h *Host) RegisterTools(register func(name string, fn ToolFunc)) {
	register("delegate_task", decodeAndCall(h.tasks.DelegateTask))
	register("claim_task", decodeAndCall(h.tasks.ClaimTask))
	register("update_task", decodeAndCall(h.tasks.UpdateTask))
	register("complete_task", decodeAndCall(h.tasks.CompleteTask))
	register("create_skill_task", decodeAndCall(h.tasks.CreateSkillTask))
	register("find_task", decodeAndCall(h.tasks.FindTask))

	register("send_message", decodeAndCall(h.messages.SendMessage))
	register("read_messages", decodeAndCall(h.messages.ReadMessages))
	register("mark_read", decodeAndCall(h.messages.MarkRead))
	register("delete_messages", decodeAndCall(h.messages.DeleteMessages))

	register("status", func(json.RawMessage) (tools.Envelope, error) { return h.status.Status() })
	register("advertise_skills", decodeAndCall(h.status.AdvertiseSkills))
	register("update_context", decodeAndCall(h.status.UpdateContext))

	register("get_coordination", func(raw json.RawMessage) (tools.Envelope, error) {
		var p struct{ Key string }
		if err := decode(raw, &p); err != nil {
			return tools.Envelope{}, err
		}
		return h.coordination.GetCoordination(p.Key)
	})
	register("set_coordination", func(raw json.RawMessage) (tools.Envelope, error) {
		var p struct {
			Key   string
			Value any
		}
		if err := decode(raw, &p); err != nil {
			return tools.Envelope{}, err
		}
		return h.coordination.SetCoordination(p.Key, p.Value)
	})
	register("set_retention", decodeAndCall(h.coordination.SetRetention))
	register("get_delegation_policy", func(json.RawMessage) (tools.Envelope, error) { return h.coordination.GetDelegationPolicy() })
	register("set_delegation_policy", decodeAndCall(h.coordination.SetDelegationPolicy))
	register("ack_delegation_policy", func(raw json.RawMessage) (tools.Envelope, error) {
		var p struct{ AgentID string }
		if err := decode(raw, &p); err != nil {
			return tools.Envelope{}, err
		}
		return h.coordination.AckDelegationPolicy(p.AgentID)
	})

	register("register_agent", decodeAndCall(h.agentsTool.RegisterAgent))
	register("issue_agent_token", func(raw json.RawMessage) (tools.Envelope, error) {
		var p struct{ AgentID string }
		if err := decode(raw, &p); err != nil {
			return tools.Envelope{}, err
		}
		return h.agentsTool.IssueAgentToken(p.AgentID)
	})
	register("invite_agent", decodeAndCall(h.agentsTool.InviteAgent))
	register("accept_agent_invite", decodeAndCall(h.agentsTool.AcceptAgentInvite))
	register("list_agents", func(json.RawMessage) (tools.Envelope, error) { return h.agentsTool.ListAgents() })
	register("list_agent_invites", func(json.RawMessage) (tools.Envelope, error) { return h.agentsTool.ListAgentInvites() })

	register("dump_state", func(raw json.RawMessage) (tools.Envelope, error) {
		var p struct{ CallerNode, CallerAgent string }
		if err := decode(raw, &p); err != nil {
			return tools.Envelope{}, err
		}
		return h.adminTool.DumpState(p.CallerNode, p.CallerAgent)
	})
	register("dump_tasks", func(raw json.RawMessage) (tools.Envelope, error) {
		var p struct{ CallerNode, CallerAgent string }
		if err := decode(raw, &p); err != nil {
			return tools.Envelope{}, err
		}
		return h.adminTool.DumpTasks(p.CallerNode, p.CallerAgent)
	})
	register("dump_messages", func(raw json.RawMessage) (tools.Envelope, error) {
		var p struct{ CallerNode, CallerAgent string }
		if err := decode(raw, &p); err != nil {
			return tools.Envelope{}, err
		}
		return h.adminTool.DumpMessages(p.CallerNode, p.CallerAgent)
	})
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("pluginhost: decoding tool params: %w", err)
	}
	return nil
}

// decodeAndCall adapts a concrete handler method of the shape
// func(P) (tools.Envelope, error) into a ToolFunc by decoding raw JSON into
// a fresh P before calling it.
func decodeAndCall[P any](fn func(P) (tools.Envelope, error)) ToolFunc {
	return func(raw json.RawMessage) (tools.Envelope, error) {
		var p P
		if err := decode(raw, &p); err != nil {
			return tools.Envelope{}, err
		}
		return fn(p)
	}
}
