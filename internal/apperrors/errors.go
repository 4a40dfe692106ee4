// Package apperrors provides the structured error taxonomy shared by the
// assembler, the run service and the HTTP API.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for classification via errors.Is().
var (
	// ErrConfiguration marks a structurally invalid pipeline graph or input.
	ErrConfiguration = errors.New("configuration error")
	// ErrDuplicateArtifact marks a second producer for an artifact name.
	// It also matches ErrConfiguration.
	ErrDuplicateArtifact = errors.New("duplicate artifact producer")
	// ErrCollaborator marks a failed external lookup (revision, parameter, source).
	ErrCollaborator = errors.New("collaborator failure")

	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // Offending input field (e.g., "runOrder", "source.branch")
	Stage    string // Offending stage name
	Action   string // Offending action name
	Artifact string // Offending artifact name
	Resource string // For not found/conflict (e.g., "run", "gate")
	Op       string // Collaborator operation that failed (e.g., "git.rev-parse")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the sentinel, the implied parent kind and the cause.
func (e *Error) Unwrap() []error {
	errs := []error{e.Sentinel}
	if e.Sentinel == ErrDuplicateArtifact {
		errs = append(errs, ErrConfiguration)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Location identifies where in the stage graph a configuration error occurred.
type Location struct {
	Stage    string
	Action   string
	Artifact string
	Field    string
}

func (l Location) String() string {
	var parts []string
	if l.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage %q", l.Stage))
	}
	if l.Action != "" {
		parts = append(parts, fmt.Sprintf("action %q", l.Action))
	}
	if l.Artifact != "" {
		parts = append(parts, fmt.Sprintf("artifact %q", l.Artifact))
	}
	if l.Field != "" {
		parts = append(parts, fmt.Sprintf("field %q", l.Field))
	}
	return strings.Join(parts, ", ")
}

// Configuration creates a configuration error at the given graph location.
func Configuration(loc Location, message string) error {
	msg := message
	if where := loc.String(); where != "" {
		msg = where + ": " + message
	}
	return &Error{
		Sentinel: ErrConfiguration,
		Message:  msg,
		Field:    loc.Field,
		Stage:    loc.Stage,
		Action:   loc.Action,
		Artifact: loc.Artifact,
	}
}

// UnresolvedArtifact reports an input artifact with no producer ahead of its consumer.
func UnresolvedArtifact(stage, action, artifact string) error {
	return Configuration(
		Location{Stage: stage, Action: action, Artifact: artifact},
		"input artifact has no producer in an earlier stage",
	)
}

// DuplicateArtifact reports a second producer registered for the same artifact.
func DuplicateArtifact(artifact, firstProducer, secondProducer string) error {
	return &Error{
		Sentinel: ErrDuplicateArtifact,
		Message: fmt.Sprintf("artifact %q is produced by both %s and %s",
			artifact, firstProducer, secondProducer),
		Artifact: artifact,
	}
}

// Collaborator wraps a failure of an external collaborator. No retry is implied.
func Collaborator(op string, cause error) error {
	return &Error{
		Sentinel: ErrCollaborator,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Validation creates a validation error for a specific request field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
