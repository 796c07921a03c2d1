package admission

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned by stores when a job id is unknown.
	ErrJobNotFound = errors.New("job_not_found")
	// ErrUserNotFound is returned by stores when a username or credential is unknown.
	ErrUserNotFound = errors.New("user_not_found")
	// ErrUserExists is returned when creating a user whose name is taken.
	ErrUserExists = errors.New("user_exists")
	// ErrInFlight is returned by Admit when an equivalent job is still running.
	ErrInFlight = errors.New("equivalent_job_in_flight")
)

// Kind classifies pipeline failures for the transport layer.
type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindUnauthorized       Kind = "unauthorized"
	KindMalformedRequest   Kind = "malformed_request"
	KindUnsupportedType    Kind = "unsupported_type"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindPreconditionFailed Kind = "precondition_failed"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindStoreError         Kind = "store_error"
	KindInternal           Kind = "internal"
)

// Client-facing messages. Not-found and unauthorized job access share one
// message so callers cannot probe for job ids.
const (
	msgUnauthenticated = "Invalid or missing credentials."
	msgJobNotVisible   = "The job request does not exist. The query has been logged."
	msgAdminOnly       = "This operation requires administrator privileges. The query has been logged."
	msgNotAuthorized   = "You are not authorized to run this job. The query has been logged."
	msgBackendDown     = "The compute backend is currently unavailable. Please retry later."
	msgStore           = "The job store is unavailable."
)

// Error is a classified pipeline failure.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func storeError(op string, err error) *Error {
	return &Error{Kind: KindStoreError, Message: msgStore, Details: map[string]any{"op": op}, Err: err}
}

func (e *Error) with(key string, val any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = val
	return e
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Kind
	}
	return KindInternal
}

// AsError returns err as a classified error, wrapping unclassified ones as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr
	}
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}
