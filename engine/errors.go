package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a render failure for callers and dashboards.
type ErrorKind string

const (
	// TemplateNotFound: the template id resolved to nothing, or to a
	// template of a different format than requested.
	TemplateNotFound ErrorKind = "TEMPLATE_NOT_FOUND"
	// FieldResolutionError: a required asset slot has no reference.
	FieldResolutionError ErrorKind = "FIELD_RESOLUTION_ERROR"
	// SubstitutionError: the template payload could not be prepared for
	// placeholder expansion.
	SubstitutionError ErrorKind = "SUBSTITUTION_ERROR"
	// CompileError: a script template failed to compile or bind.
	CompileError ErrorKind = "COMPILE_ERROR"
	// SandboxRuntimeError: a compiled script failed or exceeded its
	// execution budget while running.
	SandboxRuntimeError ErrorKind = "SANDBOX_RUNTIME_ERROR"
	// LayoutError: the document could not be laid out or drawn.
	LayoutError ErrorKind = "LAYOUT_ERROR"
	// RemoteSubmitError: the publishing service rejected the job or
	// reported it failed.
	RemoteSubmitError ErrorKind = "REMOTE_SUBMIT_ERROR"
	// RemotePollTimeout: the publishing job never reached a terminal
	// state within the polling budget.
	RemotePollTimeout ErrorKind = "REMOTE_POLL_TIMEOUT"
	// RemoteArtifactInvalid: the publishing artifact failed verification.
	RemoteArtifactInvalid ErrorKind = "REMOTE_ARTIFACT_INVALID"
)

// RenderError is the single error type Render produces.
type RenderError struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func newError(kind ErrorKind, cause error) *RenderError {
	return &RenderError{Kind: kind, Message: cause.Error(), cause: cause}
}

func errorf(kind ErrorKind, format string, args ...any) *RenderError {
	return &RenderError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *RenderError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }
func (e *RenderError) Unwrap() error { return e.cause }

// KindOf extracts the error kind from an error chain, or "" when the
// chain holds no RenderError.
func KindOf(err error) ErrorKind {
	var re *RenderError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
