package tools

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/admission"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// AdminHandler implements the admin-only introspection dumps: dump_state,
// dump_tasks, dump_messages.
type AdminHandler struct {
	doc      *crdtdoc.Doc
	tasks    *crdtdoc.MapHandle
	messages *crdtdoc.MapHandle
	admin    *admission.AdminGate
	logger   *zap.Logger
}

// NewAdminHandler binds an AdminHandler to doc.
func NewAdminHandler(doc *crdtdoc.Doc, admin *admission.AdminGate, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{
		doc:      doc,
		tasks:    doc.GetMap(schema.MapTasks),
		messages: doc.GetMap(schema.MapMessages),
		admin:    admin,
		logger:   logger.Named("tools.admin"),
	}
}

func (h *AdminHandler) requireAdmin(callerNode, callerAgent string) *Error {
	allowed, err := h.admin.Allow(callerNode, callerAgent)
	if err != nil {
		return internalErr("admin check: " + err.Error())
	}
	if !allowed {
		return adminRequired("this operation requires admin capability")
	}
	return nil
}

// DumpState returns the full document snapshot as raw encoded bytes.
func (h *AdminHandler) DumpState(callerNode, callerAgent string) (Envelope, error) {
	if aerr := h.requireAdmin(callerNode, callerAgent); aerr != nil {
		return fail(aerr)
	}
	snap, err := h.doc.EncodeSnapshot()
	if err != nil {
		return fail(internalErr("encode snapshot: " + err.Error()))
	}
	return ok(fmt.Sprintf("state snapshot, %d bytes", len(snap)), string(snap))
}

// DumpTasks returns every task record keyed by its map key.
func (h *AdminHandler) DumpTasks(callerNode, callerAgent string) (Envelope, error) {
	if aerr := h.requireAdmin(callerNode, callerAgent); aerr != nil {
		return fail(aerr)
	}
	out := make(map[string]schema.Task)
	_ = h.tasks.Entries(func() any { return new(schema.Task) }, func(key string, v any) {
		out[key] = *(v.(*schema.Task))
	})
	return ok(fmt.Sprintf("%d task(s)", len(out)), out)
}

// DumpMessages returns every message record keyed by its map key.
func (h *AdminHandler) DumpMessages(callerNode, callerAgent string) (Envelope, error) {
	if aerr := h.requireAdmin(callerNode, callerAgent); aerr != nil {
		return fail(aerr)
	}
	out := make(map[string]schema.Message)
	_ = h.messages.Entries(func() any { return new(schema.Message) }, func(key string, v any) {
		out[key] = *(v.(*schema.Message))
	})
	return ok(fmt.Sprintf("%d message(s)", len(out)), out)
}
