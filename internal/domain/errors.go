package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrUnsupportedSchema = errors.New("unsupported schema")
	ErrValidation        = errors.New("validation failed")
	ErrDependencyBlocked = errors.New("dependency blocked")
	ErrPartialExport     = errors.New("partial export")
	ErrPartialCleanup    = errors.New("partial cleanup")
)

// NotFoundf wraps ErrNotFound with context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Conflictf wraps ErrConflict with context.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

// ValidationError aggregates every structural issue found in one pass.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return ErrValidation.Error()
	}
	if len(e.Issues) == 1 {
		return ErrValidation.Error() + ": " + e.Issues[0]
	}
	return fmt.Sprintf("%s (%d issues):\n  - %s", ErrValidation.Error(), len(e.Issues), strings.Join(e.Issues, "\n  - "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalidf(format string, args ...any) error {
	return &ValidationError{Issues: []string{fmt.Sprintf(format, args...)}}
}

// ItemError records the failure of one item inside a batch.
type ItemError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// PartialError reports a batch that finished with some failed items.
type PartialError struct {
	Kind   error
	Failed []ItemError
}

func (e *PartialError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		ids = append(ids, f.ID)
	}
	return fmt.Sprintf("%s: %d item(s) failed: %s", e.Kind.Error(), len(e.Failed), strings.Join(ids, ", "))
}

func (e *PartialError) Unwrap() error { return e.Kind }
