package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/ffgate/internal/encoder"
	"github.com/mattjoyce/ffgate/internal/workspace"
)

// Category classifies a job failure for callers.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryAllocation Category = "allocation"
	CategoryStep       Category = "step"
	CategoryCanceled   Category = "canceled"
	CategoryInternal   Category = "internal"
)

// Error is a categorized job failure. Detail carries encoder stderr for step
// failures and is empty otherwise.
type Error struct {
	Category Category `json:"category"`
	Message  string   `json:"message"`
	Detail   string   `json:"detail,omitempty"`
	Err      error    `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func validationErr(format string, args ...any) *Error {
	return &Error{Category: CategoryValidation, Message: fmt.Sprintf(format, args...)}
}

// AsError converts any job failure into an *Error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr
	}

	var stepErr *encoder.StepError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Category: CategoryCanceled, Message: "job canceled", Err: err}
	case errors.As(err, &stepErr):
		msg := fmt.Sprintf("encoder step %q failed", stepErr.Step)
		if errors.Is(err, encoder.ErrTimeout) {
			msg = fmt.Sprintf("encoder step %q timed out", stepErr.Step)
		}
		return &Error{Category: CategoryStep, Message: msg, Detail: stepErr.Stderr, Err: err}
	case errors.Is(err, workspace.ErrAllocate):
		return &Error{Category: CategoryAllocation, Message: "could not allocate job workspace", Err: err}
	default:
		return &Error{Category: CategoryInternal, Message: "internal error", Err: err}
	}
}
