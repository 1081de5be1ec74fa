package qsmpipe

import (
	"errors"
	"fmt"
)

// These sentinels classify every failure the pipeline reports. Callers should
// test for them with errors.Is; the wrapping error carries the file, subject or
// region that caused it.
var (
	ErrMissingInputFile        = errors.New("missing input file")
	ErrShapeMismatch           = errors.New("shape mismatch")
	ErrRegistrationFailed      = errors.New("registration failed")
	ErrInvalidRegionDefinition = errors.New("invalid region definition")
	ErrSerialization           = errors.New("serialization error")
)

// StageError names the subject and registration stage at which a registration
// failed. It always matches ErrRegistrationFailed.
type StageError struct {
	Subject string
	Stage   string
	Err     error
}

func (e *StageError) Error() string {
	subject := e.Subject
	if subject == "" {
		subject = "(unnamed subject)"
	}

	return fmt.Sprintf("%s: %s stage: %v", subject, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func (e *StageError) Is(target error) bool {
	return target == ErrRegistrationFailed
}

// MissingFile wraps ErrMissingInputFile with the offending path.
func MissingFile(path string) error {
	return fmt.Errorf("%w: %s", ErrMissingInputFile, path)
}

// Failure records one subject (and optionally variant) that a batch job
// skipped.
type Failure struct {
	Subject string
	Variant string
	Err     error
}

func (f Failure) Error() string {
	if f.Variant == "" {
		return fmt.Sprintf("%s: %v", f.Subject, f.Err)
	}

	return fmt.Sprintf("%s/%s: %v", f.Subject, f.Variant, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}
