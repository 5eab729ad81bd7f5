// Package tools implements the in-process command surface: one handler
// struct per functional area, each method taking typed params and returning
// the {content, details} envelope every caller — CLI or agent — receives,
// regardless of transport. There is no general HTTP API here, so the
// envelope/error-kind pattern maps directly into Go return values instead of
// an http.ResponseWriter.
package tools

// Kind is a machine-readable error classification a caller can branch on.
type Kind string

const (
	KindNotInitialized    Kind = "not_initialized"
	KindInvalidParams     Kind = "invalid_params"
	KindValidationExceeded Kind = "validation_exceeded"
	KindUnauthorized      Kind = "unauthorized"
	KindAdminRequired     Kind = "admin_required"
	KindAmbiguousID       Kind = "ambiguous_id"
	KindNotFound          Kind = "not_found"
	KindPreconditionFailed Kind = "precondition_failed"
	KindExpired           Kind = "expired"
	KindAlreadyUsed       Kind = "already_used"
	KindNodeMismatch      Kind = "node_mismatch"
	KindDispatchFailed    Kind = "dispatch_failed"
	KindPersistFailed     Kind = "persist_failed"
	KindPeerConnectFailed Kind = "peer_connect_failed"
	KindStateTooLarge     Kind = "state_too_large"
	KindPathTraversal     Kind = "path_traversal"
	KindInternal          Kind = "internal"
)

// Error is the error type every handler method returns on failure. Kind
// lets a caller branch on failure category without string-matching Message.
type Error struct {
	Kind    Kind
	Message string
	// Candidates carries up to schema.MaxAmbiguousCandidates sample keys for
	// KindAmbiguousID errors.
	Candidates []string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

func newError(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func invalidParams(msg string) *Error    { return newError(KindInvalidParams, msg) }
func notFound(msg string) *Error         { return newError(KindNotFound, msg) }
func unauthorized(msg string) *Error     { return newError(KindUnauthorized, msg) }
func adminRequired(msg string) *Error    { return newError(KindAdminRequired, msg) }
func precondition(msg string) *Error     { return newError(KindPreconditionFailed, msg) }
func internalErr(msg string) *Error      { return newError(KindInternal, msg) }

func ambiguous(msg string, candidates []string) *Error {
	return &Error{Kind: KindAmbiguousID, Message: msg, Candidates: candidates}
}
