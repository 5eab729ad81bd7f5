package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/admission"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBootstrapNodeJoinsWithoutTicket(t *testing.T) {
	serverDoc := crdtdoc.NewDoc("backbone-1", nil)
	nodes := admission.NewNodes(serverDoc)

	srv := NewServer(serverDoc, "backbone-1", schema.TierBackbone, nil, nil, nodes, nil)
	srv.Start()
	defer srv.Stop()

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	clientDoc := crdtdoc.NewDoc("edge-1", nil)
	clientHub := NewHub(nil)
	go clientHub.Run()
	defer clientHub.Stop()

	cli := NewClient(ClientConfig{
		ServerURL: "ws" + strings.TrimPrefix(ts.URL, "http"),
		SelfNode:  "edge-1",
		SelfTier:  schema.TierEdge,
	}, clientDoc, clientHub, nil)

	synced := make(chan struct{}, 1)
	cli.OnSynced(func() { select { case synced <- struct{}{}: default: } })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cli.Run(ctx)

	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("client never synced with bootstrap server")
	}

	waitFor(t, 2*time.Second, func() bool {
		rec, ok, _ := nodes.Get("edge-1")
		return ok && rec.Tier == schema.TierEdge
	})
}

func TestTaskWrittenOnServerPropagatesToClient(t *testing.T) {
	serverDoc := crdtdoc.NewDoc("backbone-1", nil)
	nodes := admission.NewNodes(serverDoc)
	srv := NewServer(serverDoc, "backbone-1", schema.TierBackbone, nil, nil, nodes, nil)
	srv.Start()
	defer srv.Stop()

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	clientDoc := crdtdoc.NewDoc("edge-1", nil)
	clientHub := NewHub(nil)
	go clientHub.Run()
	defer clientHub.Stop()

	cli := NewClient(ClientConfig{
		ServerURL: "ws" + strings.TrimPrefix(ts.URL, "http"),
		SelfNode:  "edge-1",
		SelfTier:  schema.TierEdge,
	}, clientDoc, clientHub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cli.Run(ctx)

	waitFor(t, 5*time.Second, func() bool { return srv.Hub().PeerCount() == 1 })

	serverDoc.GetMap(schema.MapTasks).Set("t1", schema.Task{ID: "t1", Title: "propagate me", Status: schema.TaskPending})

	waitFor(t, 5*time.Second, func() bool {
		var got schema.Task
		ok, _ := clientDoc.GetMap(schema.MapTasks).Get("t1", &got)
		return ok && got.Title == "propagate me"
	})
}

func TestTicketAdmissionRejectsUnknownNodeOnceAllowlistPopulated(t *testing.T) {
	serverDoc := crdtdoc.NewDoc("backbone-1", nil)
	nodes := admission.NewNodes(serverDoc)
	nodes.Register("backbone-1", schema.TierBackbone, nil, "bootstrap")

	tickets, err := admission.NewTicketIssuer(serverDoc, []byte("test-secret-test-secret"), "mesh-test")
	if err != nil {
		t.Fatal(err)
	}
	invites := admission.NewNodeInvites(serverDoc)

	srv := NewServer(serverDoc, "backbone-1", schema.TierBackbone, tickets, invites, nodes, nil)
	srv.Start()
	defer srv.Stop()

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	clientDoc := crdtdoc.NewDoc("edge-2", nil)
	clientHub := NewHub(nil)
	go clientHub.Run()
	defer clientHub.Stop()

	cli := NewClient(ClientConfig{
		ServerURL: "ws" + strings.TrimPrefix(ts.URL, "http"),
		SelfNode:  "edge-2",
		SelfTier:  schema.TierEdge,
	}, clientDoc, clientHub, nil)

	errs := make(chan error, 1)
	cli.OnConnectionError(func(err error) { select { case errs <- err: default: } })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cli.Run(ctx)

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected a connection error for an unticketed unknown node")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected admission to reject the unticketed unknown node")
	}
}

func TestTicketAdmissionAllowsInvitedNode(t *testing.T) {
	serverDoc := crdtdoc.NewDoc("backbone-1", nil)
	nodes := admission.NewNodes(serverDoc)
	nodes.Register("backbone-1", schema.TierBackbone, nil, "bootstrap")

	tickets, err := admission.NewTicketIssuer(serverDoc, []byte("test-secret-test-secret"), "mesh-test")
	if err != nil {
		t.Fatal(err)
	}
	invites := admission.NewNodeInvites(serverDoc)

	inviteToken, err := invites.Mint(schema.TierEdge, "admin", "edge-3", admission.NodeInviteTTL)
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(serverDoc, "backbone-1", schema.TierBackbone, tickets, invites, nodes, nil)
	srv.Start()
	defer srv.Stop()

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	clientDoc := crdtdoc.NewDoc("edge-3", nil)
	clientHub := NewHub(nil)
	go clientHub.Run()
	defer clientHub.Stop()

	minted := false
	cli := NewClient(ClientConfig{
		ServerURL: "ws" + strings.TrimPrefix(ts.URL, "http"),
		SelfNode:  "edge-3",
		SelfTier:  schema.TierEdge,
		Ticket: func() (string, error) {
			if minted {
				return "", nil
			}
			minted = true
			return tickets.Mint(inviteToken, "edge-3", "admin")
		},
	}, clientDoc, clientHub, nil)

	synced := make(chan struct{}, 1)
	cli.OnSynced(func() { select { case synced <- struct{}{}: default: } })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cli.Run(ctx)

	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("invited node never synced")
	}

	rec, ok, err := nodes.Get("edge-3")
	if err != nil || !ok || rec.Tier != schema.TierEdge {
		t.Fatalf("expected edge-3 registered as edge tier: rec=%+v ok=%v err=%v", rec, ok, err)
	}
}
