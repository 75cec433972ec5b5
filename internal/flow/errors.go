package flow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies compile-time validation failures.
type ErrorKind string

const (
	InvalidStepOrder          ErrorKind = "InvalidStepOrder"
	InvalidPrecondition       ErrorKind = "InvalidPrecondition"
	InvalidConversion         ErrorKind = "InvalidConversion"
	UnsupportedTransferSource ErrorKind = "UnsupportedTransferSource"
	UnexpectedPayout          ErrorKind = "UnexpectedPayout"
	UnknownStepType           ErrorKind = "UnknownStepType"
)

// ValidationError is returned by Compile. Step is the zero-based business step index,
// or -1 when the error concerns the list as a whole.
type ValidationError struct {
	Kind    ErrorKind
	Step    int
	Message string
}

func (e *ValidationError) Error() string {
	if e.Step < 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: step %d: %s", e.Kind, e.Step, e.Message)
}

// IsKind reports whether err is a ValidationError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Kind == kind
	}
	return false
}

func invalid(kind ErrorKind, step int, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Step: step, Message: fmt.Sprintf(format, args...)}
}
