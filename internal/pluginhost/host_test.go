package pluginhost

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/tools"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func newBackboneHost(t *testing.T) *Host {
	t.Helper()
	cfg := Config{
		NodeID:       "node-a",
		Tier:         schema.TierBackbone,
		StateDir:     t.TempDir(),
		ListenAddr:   freeAddr(t),
		TicketSecret: []byte("test-secret-at-least-16-bytes"),
		AdminAgentID: "admin-1",
		AuthMode:     tools.AuthLegacy,
	}
	host, err := Init(cfg, nil, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return host
}

func TestInitValidatesConfig(t *testing.T) {
	_, err := Init(Config{}, nil, nil)
	if err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestBackboneLifecycle(t *testing.T) {
	host := newBackboneHost(t)

	if err := host.LoadPersisted(); err != nil {
		t.Fatalf("LoadPersisted: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := host.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := host.StartServices(); err != nil {
		t.Fatalf("StartServices: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if host.Doc() == nil {
		t.Fatal("Doc() returned nil after Init")
	}

	if err := host.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestRegisterServicesCallsOncePerService(t *testing.T) {
	host := newBackboneHost(t)

	seen := map[string]any{}
	host.RegisterServices(func(name string, svc any) {
		seen[name] = svc
	})

	for _, name := range []string{"mesh.tasks", "mesh.messages", "mesh.status", "mesh.coordination", "mesh.agents", "mesh.admin"} {
		if _, ok := seen[name]; !ok {
			t.Errorf("service %q was never registered", name)
		}
	}
}

func TestRegisterToolsRoutesAndDecodes(t *testing.T) {
	host := newBackboneHost(t)

	fns := map[string]ToolFunc{}
	host.RegisterTools(func(name string, fn ToolFunc) {
		fns[name] = fn
	})

	want := []string{
		"delegate_task", "claim_task", "update_task", "complete_task",
		"create_skill_task", "find_task", "send_message", "read_messages",
		"mark_read", "delete_messages", "status", "advertise_skills",
		"update_context", "get_coordination", "set_coordination",
		"set_retention", "get_delegation_policy", "set_delegation_policy",
		"ack_delegation_policy", "register_agent", "issue_agent_token",
		"invite_agent", "accept_agent_invite", "list_agents",
		"list_agent_invites", "dump_state", "dump_tasks", "dump_messages",
	}
	for _, name := range want {
		if _, ok := fns[name]; !ok {
			t.Errorf("tool %q was never registered", name)
		}
	}

	status, ok := fns["status"]
	if !ok {
		t.Fatal("status tool missing")
	}
	env, err := status(nil)
	if err != nil {
		t.Fatalf("status tool call: %v", err)
	}
	if env.Details == nil {
		t.Fatalf("status tool returned an empty envelope: %+v", env)
	}

	delegate, ok := fns["delegate_task"]
	if !ok {
		t.Fatal("delegate_task tool missing")
	}
	raw, _ := json.Marshal(map[string]any{
		"Title":       "ship the release",
		"Description": "cut and tag",
		"AgentID":     "admin-1",
	})
	if _, err := delegate(raw); err != nil {
		t.Fatalf("delegate_task tool call: %v", err)
	}
}

func TestStartLocalAgentRunsBeforeStartHooksAndRegisters(t *testing.T) {
	host := newBackboneHost(t)

	var hookRan bool
	host.OnBeforeAgentStart(func(agentID string) error {
		hookRan = true
		if agentID != "agent-1" {
			t.Errorf("hook got agentID %q, want agent-1", agentID)
		}
		return nil
	})

	stop, err := host.StartLocalAgent("agent-1", func() string { return "" })
	if err != nil {
		t.Fatalf("StartLocalAgent: %v", err)
	}
	defer stop()

	if !hookRan {
		t.Error("before_agent_start hook never ran")
	}

	ids := host.localAgentIDs()
	found := false
	for _, id := range ids {
		if id == "agent-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("localAgentIDs() = %v, want to contain agent-1", ids)
	}
}

func TestRegisterChannelReplyIsUsedByDeliverer(t *testing.T) {
	host := newBackboneHost(t)

	var gotAgent, gotKind string
	host.RegisterChannelReply(func(agentID, kind string, payload any) error {
		gotAgent, gotKind = agentID, kind
		return nil
	})

	d := hostDeliverer{reply: func(agentID, kind string, payload any) error {
		if host.reply == nil {
			t.Fatal("host.reply was not bound by RegisterChannelReply")
		}
		return host.reply(agentID, kind, payload)
	}}
	if err := d.DeliverTask(schema.Task{ID: "t-1"}, "agent-2"); err != nil {
		t.Fatalf("DeliverTask: %v", err)
	}
	if gotAgent != "agent-2" || gotKind != "task" {
		t.Errorf("reply got (%q, %q), want (agent-2, task)", gotAgent, gotKind)
	}
}

func TestInviteNodeMintsInviteAndTicketOnBackbone(t *testing.T) {
	host := newBackboneHost(t)

	invite, ticket, err := host.InviteNode(schema.TierEdge, "admin-1", "node-b")
	if err != nil {
		t.Fatalf("InviteNode: %v", err)
	}
	if invite == "" {
		t.Error("expected non-empty invite token")
	}
	if ticket == "" {
		t.Error("expected non-empty ws ticket on a backbone node")
	}
}
