// Package errdefs defines the error taxonomy shared across the orchestration
// core and the formatter that turns internal errors into user-facing messages.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for user messaging and propagation policy.
type Kind int

const (
	// KindUnknown is any error the taxonomy does not recognize.
	KindUnknown Kind = iota
	// KindNotFound means a referenced entity is absent.
	KindNotFound
	// KindBusy means another operation holds the conversation.
	KindBusy
	// KindValidation means malformed input or an invalid workflow definition.
	KindValidation
	// KindIsolation means a worktree operation failed outside the known
	// idempotent cases.
	KindIsolation
	// KindAssistantTransport means the assistant subprocess stream errored
	// or timed out.
	KindAssistantTransport
	// KindExternalPlatform means the platform adapter failed to deliver.
	KindExternalPlatform
	// KindFatal means the process cannot continue (DB loss, disk errors).
	KindFatal
)

var (
	// ErrConversationNotFound is returned when the conversation does not exist.
	ErrConversationNotFound = NotFound("conversation not found")

	// ErrCodebaseNotFound is returned when no codebase is configured or the
	// referenced codebase row is missing.
	ErrCodebaseNotFound = NotFound("codebase not found")

	// ErrCommandNotFound is returned when a registered command is missing.
	ErrCommandNotFound = NotFound("command not found")

	// ErrWorkflowNotFound is returned when a workflow definition is missing.
	ErrWorkflowNotFound = NotFound("workflow not found")

	// ErrEnvironmentNotFound is returned when an isolation environment is missing.
	ErrEnvironmentNotFound = NotFound("isolation environment not found")

	// ErrWorkflowBusy is returned when another workflow run is already
	// running for the conversation.
	ErrWorkflowBusy = Busy("another workflow is already running for this conversation")
)

// coreError carries a Kind with a message and an optional wrapped cause.
type coreError struct {
	kind  Kind
	msg   string
	cause error
}

func (e *coreError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *coreError) Unwrap() error { return e.cause }

// Is matches two core errors of the same kind with the same message, so
// sentinel values defined above work with errors.Is after wrapping.
func (e *coreError) Is(target error) bool {
	var other *coreError
	if !errors.As(target, &other) {
		return false
	}
	return e.kind == other.kind && e.msg == other.msg
}

// New creates an error of the given kind.
func New(kind Kind, msg string) error {
	return &coreError{kind: kind, msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &coreError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil cause returns nil.
func Wrap(kind Kind, msg string, cause error) error {
	if cause == nil {
		return nil
	}
	return &coreError{kind: kind, msg: msg, cause: cause}
}

// NotFound creates a KindNotFound error.
func NotFound(msg string) error { return New(KindNotFound, msg) }

// Busy creates a KindBusy error.
func Busy(msg string) error { return New(KindBusy, msg) }

// Validation creates a KindValidation error.
func Validation(msg string) error { return New(KindValidation, msg) }

// Validationf creates a formatted KindValidation error.
func Validationf(format string, args ...any) error {
	return Newf(KindValidation, format, args...)
}

// Isolation wraps a worktree failure.
func Isolation(msg string, cause error) error {
	return Wrap(KindIsolation, msg, cause)
}

// AssistantTransport wraps an assistant subprocess failure.
func AssistantTransport(msg string, cause error) error {
	return Wrap(KindAssistantTransport, msg, cause)
}

// ExternalPlatform wraps a platform delivery failure.
func ExternalPlatform(msg string, cause error) error {
	return Wrap(KindExternalPlatform, msg, cause)
}

// Fatal wraps an unrecoverable failure.
func Fatal(msg string, cause error) error {
	return Wrap(KindFatal, msg, cause)
}

// KindOf returns the Kind of err, walking the wrap chain. Errors outside the
// taxonomy report KindUnknown.
func KindOf(err error) Kind {
	var ce *coreError
	if errors.As(err, &ce) {
		return ce.kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
