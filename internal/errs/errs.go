package errs

import "errors"

// ErrValidation marks input the engine rejects synchronously and never retries.
var ErrValidation = errors.New("validation_error")

type validationError struct {
	code string
}

// Validation returns a sentinel that satisfies errors.Is(err, ErrValidation).
func Validation(code string) error {
	return &validationError{code: code}
}

func (e *validationError) Error() string { return e.code }

func (e *validationError) Is(target error) bool {
	return target == ErrValidation
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
