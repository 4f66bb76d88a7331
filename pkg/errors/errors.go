package errors

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors so callers can branch on error class
// without string matching. Test with errors.Is against the exported
// sentinels below.
type Kind string

const (
	KindUnknownProduct                Kind = "unknown_product"
	KindDuplicateAggregate            Kind = "duplicate_aggregate"
	KindNotFound                      Kind = "not_found"
	KindConflict                      Kind = "conflict"
	KindConflictingTerminalTransition Kind = "conflicting_terminal_transition"
	KindAlreadyApplied                Kind = "already_applied"
	KindCallbackRejected              Kind = "callback_rejected"
	KindUnrecognizedEvent             Kind = "unrecognized_event"
	KindProviderFailure               Kind = "provider_failure"
	KindUnsupportedOperation          Kind = "unsupported_operation"
	KindCanceled                      Kind = "canceled"
)

// EngineError is the error type produced by the engine core. Errors of
// the same Kind compare equal under errors.Is, so sentinel comparisons
// work regardless of the wrapped cause or message.
type EngineError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	default:
		return string(e.Kind)
	}
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is reports kind equality so errors.Is(err, ErrConflict) matches any
// conflict error regardless of its message or cause.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnknownProduct                = &EngineError{Kind: KindUnknownProduct}
	ErrDuplicateAggregate            = &EngineError{Kind: KindDuplicateAggregate}
	ErrNotFound                      = &EngineError{Kind: KindNotFound}
	ErrConflict                      = &EngineError{Kind: KindConflict}
	ErrConflictingTerminalTransition = &EngineError{Kind: KindConflictingTerminalTransition}
	ErrAlreadyApplied                = &EngineError{Kind: KindAlreadyApplied}
	ErrCallbackRejected              = &EngineError{Kind: KindCallbackRejected}
	ErrUnrecognizedEvent             = &EngineError{Kind: KindUnrecognizedEvent}
	ErrProviderFailure               = &EngineError{Kind: KindProviderFailure}
	ErrUnsupportedOperation          = &EngineError{Kind: KindUnsupportedOperation}
	ErrCanceled                      = &EngineError{Kind: KindCanceled}
)

// New creates an EngineError with a message.
func New(kind Kind, message string) *EngineError {
	return &EngineError{Kind: kind, Message: message}
}

// Newf creates an EngineError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, err error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of err if it is an EngineError, or "".
func KindOf(err error) Kind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// ProviderError carries provider-specific failure context in addition
// to the provider_failure kind. Retriable distinguishes transient
// transport problems from definitive provider rejections.
type ProviderError struct {
	Provider  string
	Operation string
	Code      string
	Retriable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider %s: %s failed with code %s: %v", e.Provider, e.Operation, e.Code, e.Err)
	}
	return fmt.Sprintf("provider %s: %s failed: %v", e.Provider, e.Operation, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return t.Kind == KindProviderFailure
}

// NewProviderError wraps a provider call failure.
func NewProviderError(provider, operation string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Operation: operation, Err: err}
}
