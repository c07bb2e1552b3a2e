package errors

import (
	stderrors "errors"
	"fmt"
)

const (
	HttpInternalError    = "internal_error"
	HttpNotFoundError    = "not_found"
	HttpUnavailableError = "unavailable"
)

// ErrorResponse is the error response body for the status API.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

// ErrFatal marks failures that abort the whole run (store unreachable, output
// directory not writable, lock held). Use errors.Is to detect.
var ErrFatal = stderrors.New("fatal pipeline error")

// Fatalf wraps a formatted message so it matches ErrFatal.
func Fatalf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFatal, fmt.Sprintf(format, args...))
}

// Fatal marks err as fatal while keeping it reachable through errors.Is and errors.As.
func Fatal(err error) error {
	if err == nil || stderrors.Is(err, ErrFatal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// FileError is a failure scoped to one raw file. The run skips the file and continues.
type FileError struct {
	Source string
	Path   string
	Err    error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("file %s (source %s): %v", e.Path, e.Source, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// SourceError fails one source for the current run; other sources proceed.
type SourceError struct {
	Source string
	Phase  string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s failed during %s: %v", e.Source, e.Phase, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// IsFileError reports whether err is scoped to a single file.
func IsFileError(err error) bool {
	var fe *FileError
	return stderrors.As(err, &fe)
}

// IsSourceError reports whether err is scoped to a single source.
func IsSourceError(err error) bool {
	var se *SourceError
	return stderrors.As(err, &se)
}
