package project

import (
	"errors"
	"fmt"
)

// ErrUninitializedContext is matched by UninitializedContextError.
var ErrUninitializedContext = errors.New("project context not initialized")

// UninitializedContextError is returned when the context is used before Initialize.
type UninitializedContextError struct {
	Op string
}

func (e UninitializedContextError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, ErrUninitializedContext)
}

func (e UninitializedContextError) Is(target error) bool {
	return target == ErrUninitializedContext
}

// WarningKind classifies a non-fatal condition.
type WarningKind string

const (
	UnknownFieldWarning   WarningKind = "unknown_field"
	UnknownSectionWarning WarningKind = "unknown_section"
	InvalidValueWarning   WarningKind = "invalid_value"
	PhaseRegression       WarningKind = "phase_regression"
	ClobberWarning        WarningKind = "clobber"
	ValidationWarning     WarningKind = "validation"
)

// Warning is a non-fatal condition surfaced in the final report.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Subject string      `json:"subject"`
	Message string      `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s: %s", w.Kind, w.Subject, w.Message)
}
