package admission

import (
	"testing"
	"time"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

func TestNodeInviteConsumeOnce(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	invites := NewNodeInvites(doc)

	token, err := invites.Mint(schema.TierEdge, "admin", "", 0)
	if err != nil {
		t.Fatal(err)
	}

	tier, err := invites.Consume(token, "node-b")
	if err != nil || tier != schema.TierEdge {
		t.Fatalf("Consume: tier=%v err=%v", tier, err)
	}

	if _, err := invites.Consume(token, "node-b"); err != ErrInviteAlreadyUsed {
		t.Fatalf("expected ErrInviteAlreadyUsed, got %v", err)
	}
}

func TestNodeInviteExpired(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	invites := NewNodeInvites(doc)

	token, err := invites.Mint(schema.TierBackbone, "admin", "", time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)

	if _, err := invites.Consume(token, "node-b"); err != ErrInviteExpired {
		t.Fatalf("expected ErrInviteExpired, got %v", err)
	}
}

func TestNodeInviteNodeMismatch(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	invites := NewNodeInvites(doc)

	token, err := invites.Mint(schema.TierEdge, "admin", "node-expected", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := invites.Consume(token, "node-other"); err != ErrInviteNodeMismatch {
		t.Fatalf("expected ErrInviteNodeMismatch, got %v", err)
	}
}

func TestTicketSingleUse(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	issuer, err := NewTicketIssuer(doc, []byte("test-secret"), "mesh-test")
	if err != nil {
		t.Fatal(err)
	}

	raw, err := issuer.Mint("inv_abc", "", "admin")
	if err != nil {
		t.Fatal(err)
	}

	inviteTok, err := issuer.Verify(raw, "node-b")
	if err != nil || inviteTok != "inv_abc" {
		t.Fatalf("Verify: tok=%q err=%v", inviteTok, err)
	}

	if _, err := issuer.Verify(raw, "node-b"); err != ErrTicketAlreadyUsed {
		t.Fatalf("expected ErrTicketAlreadyUsed, got %v", err)
	}
}

func TestTicketTamperedSignatureRejected(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	issuer, err := NewTicketIssuer(doc, []byte("test-secret"), "mesh-test")
	if err != nil {
		t.Fatal(err)
	}
	raw, err := issuer.Mint("inv_abc", "", "admin")
	if err != nil {
		t.Fatal(err)
	}
	tampered := raw + "x"
	if _, err := issuer.Verify(tampered, "node-b"); err != ErrTicketSignatureInvalid {
		t.Fatalf("expected ErrTicketSignatureInvalid, got %v", err)
	}
}

func TestAgentTokenIssueAndVerify(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	agents := NewAgents(doc)

	if err := agents.Register("agent-1", schema.AgentInternal, "node-a", "admin"); err != nil {
		t.Fatal(err)
	}
	raw, err := agents.IssueToken("agent-1")
	if err != nil {
		t.Fatal(err)
	}

	gotID, ok, err := agents.Verify(raw)
	if err != nil || !ok || gotID != "agent-1" {
		t.Fatalf("Verify: id=%q ok=%v err=%v", gotID, ok, err)
	}

	if _, ok, _ := agents.Verify("agt_bogus"); ok {
		t.Fatal("expected bogus token to fail verification")
	}
}

func TestAgentTokenRotationInvalidatesOldToken(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	agents := NewAgents(doc)
	agents.Register("agent-1", schema.AgentInternal, "node-a", "admin")

	oldTok, _ := agents.IssueToken("agent-1")
	newTok, _ := agents.IssueToken("agent-1")

	if _, ok, _ := agents.Verify(oldTok); ok {
		t.Fatal("expected old token to be invalidated by rotation")
	}
	if _, ok, _ := agents.Verify(newTok); !ok {
		t.Fatal("expected new token to verify")
	}
}

func TestNodesBootstrapAuthorizesAnyNode(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	nodes := NewNodes(doc)

	if !nodes.IsAuthorized("anything") {
		t.Fatal("expected bootstrap rule to authorize any node when none registered")
	}

	nodes.Register("node-a", schema.TierBackbone, nil, "admin")
	if nodes.IsAuthorized("node-unknown") {
		t.Fatal("expected unknown node to be unauthorized once allowlist is non-empty")
	}
	if !nodes.IsAuthorized("node-a") {
		t.Fatal("expected allowlisted node to be authorized")
	}
}

func TestAdminGateRequiresCapability(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	nodes := NewNodes(doc)
	nodes.Register("node-a", schema.TierBackbone, []string{CapabilityAdmin}, "admin")
	nodes.Register("node-b", schema.TierBackbone, nil, "admin")

	gate := NewAdminGate(doc, "")
	allowed, err := gate.Allow("node-a", "")
	if err != nil || !allowed {
		t.Fatalf("expected node-a to be admin-capable: allowed=%v err=%v", allowed, err)
	}
	allowed, err = gate.Allow("node-b", "")
	if err != nil || allowed {
		t.Fatalf("expected node-b to lack admin capability: allowed=%v err=%v", allowed, err)
	}
}

func TestAdminGateMatchesAgentID(t *testing.T) {
	doc := crdtdoc.NewDoc("node-a", nil)
	nodes := NewNodes(doc)
	nodes.Register("node-a", schema.TierBackbone, []string{CapabilityAdmin}, "admin")

	gate := NewAdminGate(doc, "admin-agent")
	if allowed, _ := gate.Allow("node-a", "other-agent"); allowed {
		t.Fatal("expected mismatched agent id to be denied")
	}
	if allowed, _ := gate.Allow("node-a", "admin-agent"); !allowed {
		t.Fatal("expected matching agent id to be allowed")
	}
}
