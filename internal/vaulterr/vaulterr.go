// Package vaulterr defines the error kinds shared across the vault's
// components.
package vaulterr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", Kind) and unwrap with
// errors.Is.
var (
	ErrBlobNotFound                = errors.New("vault: blob not found")
	ErrBlobAlreadyExists           = errors.New("vault: blob already exists with a different hash")
	ErrHashMismatch                = errors.New("vault: reconstructed content hash mismatch")
	ErrUnknownFormat               = errors.New("vault: no handler matched (no catch-all registered)")
	ErrTaskInputInvalid            = errors.New("vault: task input invalid")
	ErrDependencyFailed            = errors.New("vault: a dependency task failed")
	ErrServiceDependencyUnavailable = errors.New("vault: a declared service dependency is not running")
)

// TaskError carries a user-visible failure plus whether the scheduler
// should retry the task or move it straight to ERROR.
type TaskError struct {
	Retryable bool
	Cause     error
}

func (e *TaskError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("vault: retryable task failure: %v", e.Cause)
	}
	return fmt.Sprintf("vault: terminal task failure: %v", e.Cause)
}

func (e *TaskError) Unwrap() error { return e.Cause }

// Retryable wraps cause as a retryable TaskError.
func Retryable(cause error) *TaskError {
	return &TaskError{Retryable: true, Cause: cause}
}

// Terminal wraps cause as a non-retryable TaskError.
func Terminal(cause error) *TaskError {
	return &TaskError{Retryable: false, Cause: cause}
}

// Output is the JSON shape persisted to Task.output on failure: on a
// terminal failure, and also on a retryable one, where it holds the most
// recent failure.
type Output struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Retryable    bool   `json:"retryable"`
	StackContext string `json:"stackContext,omitempty"`
}

// ToOutput converts a TaskError into its persisted representation.
func ToOutput(err error) Output {
	var te *TaskError
	if errors.As(err, &te) {
		return Output{
			Message:   te.Error(),
			Type:      fmt.Sprintf("%T", errors.Unwrap(te)),
			Retryable: te.Retryable,
		}
	}
	return Output{Message: err.Error(), Type: fmt.Sprintf("%T", err), Retryable: false}
}
