package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the taxonomy every terminal error is mapped to.
type ErrorKind string

const (
	// KindTransient covers timeouts, rate limits and transient network
	// failures. It is retried with backoff.
	KindTransient ErrorKind = "transient"
	// KindCapabilityDenied means the agent lacks the tool, sub-agent or write
	// authority. Never retried.
	KindCapabilityDenied ErrorKind = "capability_denied"
	// KindPermissionDenied means the permission engine resolved to Deny.
	KindPermissionDenied ErrorKind = "permission_denied"
	// KindConfiguration is fatal at validation time (budget too small,
	// unknown references, cycles).
	KindConfiguration ErrorKind = "configuration"
	// KindProviderRefusal is a content-policy style refusal. Not retried on
	// the same provider, eligible for fallback.
	KindProviderRefusal ErrorKind = "provider_refusal"
	// KindProviderUnavailable is a non-retryable provider failure such as
	// bad credentials. Eligible for fallback.
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	// KindCancelled is a normal terminal state, not a failure.
	KindCancelled ErrorKind = "cancelled"
	// KindBackpressure rejects work when the coordinator queue is full.
	KindBackpressure ErrorKind = "backpressure"
	// KindNotFound covers unknown agents, units and asks.
	KindNotFound ErrorKind = "not_found"
	// KindInternal is anything unclassified.
	KindInternal ErrorKind = "internal"
)

// Sentinel errors for conditions callers commonly test with errors.Is.
var (
	ErrAgentNotFound    = &Error{Kind: KindNotFound, Summary: "agent not found"}
	ErrCapabilityDenied = &Error{Kind: KindCapabilityDenied, Summary: "capability denied"}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied, Summary: "permission denied"}
	ErrBudgetExceeded   = &Error{Kind: KindConfiguration, Summary: "mandatory context exceeds the token budget"}
	ErrQueueFull        = &Error{Kind: KindBackpressure, Summary: "coordinator queue is full"}
	ErrUnknownAsk       = &Error{Kind: KindNotFound, Summary: "permission ask not found"}
	ErrUnknownUnit      = &Error{Kind: KindNotFound, Summary: "unit of work not found"}
	ErrStepLimit        = &Error{Kind: KindInternal, Summary: "agent exceeded its model call limit"}
	ErrClosed           = &Error{Kind: KindCancelled, Summary: "coordinator is closed"}
	ErrCancelled        = &Error{Kind: KindCancelled, Summary: "the unit was cancelled"}
)

// Error is a classified error. Summary is safe to show to users; Err holds
// the underlying cause and is never shown verbatim.
type Error struct {
	Kind    ErrorKind
	Op      string
	Summary string
	Err     error
}

// NewError builds a classified error wrapping cause.
func NewError(kind ErrorKind, op, summary string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Summary: summary, Err: cause}
}

// Errorf builds a classified error with a formatted summary and no cause.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Summary: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Summary
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind and summary so wrapped copies still
// satisfy errors.Is against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Summary == t.Summary
}

// Wrap returns a copy of sentinel bound to op and cause.
func Wrap(sentinel *Error, op string, cause error) *Error {
	return &Error{Kind: sentinel.Kind, Op: op, Summary: sentinel.Summary, Err: cause}
}

// ProviderErrorClass is the provider-level classification adapters attach.
type ProviderErrorClass string

const (
	ClassRateLimited      ProviderErrorClass = "rate_limited"
	ClassTransientNetwork ProviderErrorClass = "transient_network"
	ClassAuthentication   ProviderErrorClass = "authentication"
	ClassContentPolicy    ProviderErrorClass = "content_policy"
	ClassUnknown          ProviderErrorClass = "unknown"
)

// ProviderError is returned by provider adapters so the coordinator can pick
// retry, fallback or fatal handling without inspecting vendor types.
type ProviderError struct {
	Provider   string
	Class      ProviderErrorClass
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: %s (status %d): %v", e.Provider, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Class, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Kind maps the provider classification onto the shared taxonomy.
func (e *ProviderError) Kind() ErrorKind {
	switch e.Class {
	case ClassRateLimited, ClassTransientNetwork:
		return KindTransient
	case ClassContentPolicy:
		return KindProviderRefusal
	case ClassAuthentication:
		return KindProviderUnavailable
	default:
		return KindProviderUnavailable
	}
}

// DelegationError wraps failures that cross a sub-agent boundary with the
// identity of both ends.
type DelegationError struct {
	Caller string
	Callee string
	Err    error
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("delegation %s -> %s: %v", e.Caller, e.Callee, e.Err)
}

func (e *DelegationError) Unwrap() error { return e.Err }

// KindOf classifies any error. Context cancellation is Cancelled and an
// expired deadline is Transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind()
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsFallbackEligible reports whether err justifies moving to the next
// provider or tool in a fallback chain.
func IsFallbackEligible(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindProviderRefusal, KindProviderUnavailable, KindInternal:
		return true
	}
	return false
}

// ErrorInfo is the user-visible shape of a terminal error.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Summary string    `json:"summary"`
	Caller  string    `json:"caller,omitempty"`
	Callee  string    `json:"callee,omitempty"`
}

// Describe converts err into a user-visible summary without leaking the raw
// error chain.
func Describe(err error) ErrorInfo {
	info := ErrorInfo{Kind: KindOf(err)}
	var de *DelegationError
	if errors.As(err, &de) {
		info.Caller, info.Callee = de.Caller, de.Callee
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Summary != "" {
		info.Summary = ce.Summary
	}
	if info.Summary == "" {
		info.Summary = defaultSummary(info.Kind)
	}
	if info.Callee != "" {
		info.Summary = fmt.Sprintf("sub-agent %s: %s", info.Callee, info.Summary)
	}
	return info
}

func defaultSummary(kind ErrorKind) string {
	switch kind {
	case KindTransient:
		return "a temporary failure persisted after retries"
	case KindCapabilityDenied:
		return "the agent is not allowed to perform this action"
	case KindPermissionDenied:
		return "the action was denied by permission policy"
	case KindConfiguration:
		return "the configuration is invalid"
	case KindProviderRefusal:
		return "the model provider refused the request"
	case KindProviderUnavailable:
		return "no model provider could serve the request"
	case KindCancelled:
		return "the work was cancelled"
	case KindBackpressure:
		return "the system is busy, try again later"
	case KindNotFound:
		return "the referenced item does not exist"
	default:
		return "an internal error occurred"
	}
}
