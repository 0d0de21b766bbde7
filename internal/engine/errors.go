package engine

import (
	"errors"
	"fmt"

	"approvline/internal/engine/auth"
	"approvline/internal/repo"
)

// ValidationError reports malformed input or an operation that is not valid
// for the current state.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Unwrap() error { return repo.ErrNotFound }

// ConflictError reports a lost race or a violated uniqueness rule. Retrying
// after re-reading state is safe.
type ConflictError struct {
	Message string
}

func (e ConflictError) Error() string { return e.Message }

func (e ConflictError) Unwrap() error { return repo.ErrConflict }

// UnauthorizedError means the actor may not perform the action.
type UnauthorizedError struct {
	ActorID    string
	Action     string
	Permission string
}

func (e UnauthorizedError) Error() string {
	if e.Permission != "" {
		return fmt.Sprintf("actor %s cannot %s: permission %s required", e.ActorID, e.Action, e.Permission)
	}
	return fmt.Sprintf("actor %s cannot %s", e.ActorID, e.Action)
}

// EngineFailure wraps an unexpected storage or internal error.
type EngineFailure struct {
	Op  string
	Err error
}

func (e EngineFailure) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e EngineFailure) Unwrap() error { return e.Err }

func invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func invalidf(format string, args ...any) error {
	return ValidationError{Message: fmt.Sprintf(format, args...)}
}

// withField attaches field to a ValidationError; other errors pass through.
func withField(field string, err error) error {
	var ve ValidationError
	if errors.As(err, &ve) {
		ve.Field = field
		return ve
	}
	return err
}

func conflict(format string, args ...any) error {
	return ConflictError{Message: fmt.Sprintf(format, args...)}
}

// classify passes typed engine errors through and maps repository sentinels
// and everything else into the taxonomy.
func classify(op, kind, id string, err error) error {
	if err == nil {
		return nil
	}
	var (
		ve ValidationError
		ne NotFoundError
		ce ConflictError
		ue UnauthorizedError
		ef EngineFailure
		fe auth.ForbiddenError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &ne), errors.As(err, &ce), errors.As(err, &ue), errors.As(err, &ef):
		return err
	case errors.As(err, &fe):
		return UnauthorizedError{Action: op, Permission: fe.Permission}
	case errors.Is(err, repo.ErrNotFound):
		return NotFoundError{Kind: kind, ID: id}
	case errors.Is(err, repo.ErrConflict):
		return ConflictError{Message: fmt.Sprintf("%s: %s %s was modified concurrently", op, kind, id)}
	default:
		return EngineFailure{Op: op, Err: err}
	}
}

// IsConflict reports whether err is a ConflictError or wraps repo.ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, repo.ErrConflict)
}

func errStepMissing(instanceID string, step int) error {
	return fmt.Errorf("instance %s has no step %d", instanceID, step)
}
