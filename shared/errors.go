package shared

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Typed errors below match these
// through errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrStorage             = errors.New("storage failure")
	ErrEncodingTool        = errors.New("encoding tool failure")
	ErrOutOfOrder          = errors.New("segment out of order")
	ErrIncompleteStream    = errors.New("incomplete segment stream")
	ErrMaxAttemptsExceeded = errors.New("max generation attempts exceeded")
	ErrJobNotFound         = errors.New("job not found")
	ErrJobExists           = errors.New("job already exists")
	ErrVersionConflict     = errors.New("job version conflict")
	ErrInvalidTransition   = errors.New("invalid job status transition")
	ErrJobNotReady         = errors.New("job not ready")
	ErrSynthesis           = errors.New("speech synthesis failed")
)

// StorageError wraps an object-storage backend failure.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// NewStorageError returns nil when err is nil.
func NewStorageError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

// Validationf builds an ErrValidation carrying a client-safe message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// PublicReason renders err as a reason safe to show to clients. Paths, keys
// and command output stay in the logs.
func PublicReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return err.Error()
	case errors.Is(err, ErrMaxAttemptsExceeded):
		return "audio generation failed after the maximum number of attempts"
	case errors.Is(err, ErrEncodingTool):
		return "audio encoding failed"
	case errors.Is(err, ErrSynthesis):
		return "speech synthesis failed"
	case errors.Is(err, ErrStorage):
		return "storing generated audio failed"
	case errors.Is(err, ErrOutOfOrder), errors.Is(err, ErrIncompleteStream):
		return "generated audio stream was inconsistent"
	case errors.Is(err, ErrJobNotFound):
		return "job not found"
	default:
		return "internal error"
	}
}
