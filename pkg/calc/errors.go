package calc

import (
	"errors"
	"fmt"
)

// ErrFieldNotFound is returned for messages naming a field the entity does not have
var ErrFieldNotFound = errors.New("calculated field not found")

// ValidationError reports malformed configuration or input. The actor's
// state is never changed by a message that fails validation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is or wraps a ValidationError
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// EvaluationError reports a failure of the field's expression or script
type EvaluationError struct {
	Err error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation failed: %v", e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}
