package pipeline

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure kinds. Every error returned by Run wraps exactly one of them.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrFetch        = errors.New("fetch failed")
	ErrSynthesis    = errors.New("synthesis failed")
	ErrIO           = errors.New("staging io failed")
	ErrAssembly     = errors.New("assembly failed")
	ErrPublish      = errors.New("publish failed")
)

var kinds = []error{ErrInvalidInput, ErrFetch, ErrSynthesis, ErrIO, ErrAssembly, ErrPublish}

// Error is the terminal failure of a run. Stage is the state the run was in
// when it failed and Index the failing chunk, or -1.
type Error struct {
	RunID string
	Stage State
	Kind  error
	Index int
	Err   error
}

func (e *Error) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s: %v (chunk %d): %v", e.Stage, e.Kind, e.Index, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Cause is the underlying error message without stage or kind.
func (e *Error) Cause() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// KindName returns a stable short name for the failure kind of err, or
// "internal" when err is not a run failure.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrFetch):
		return "fetch_error"
	case errors.Is(err, ErrSynthesis):
		return "synthesis_error"
	case errors.Is(err, ErrIO):
		return "io_error"
	case errors.Is(err, ErrAssembly):
		return "assembly_error"
	case errors.Is(err, ErrPublish):
		return "publish_error"
	}
	return "internal"
}

// HTTPStatusCode maps a run failure onto a response status.
func HTTPStatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether running the same URL again could succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrInvalidInput)
}

// chunkError tags a fan-out failure with the chunk it came from.
type chunkError struct {
	index int
	err   error
}

func (c *chunkError) Error() string { return fmt.Sprintf("chunk %d: %v", c.index, c.err) }
func (c *chunkError) Unwrap() error { return c.err }

func splitChunkError(err error) (int, error) {
	var ce *chunkError
	if errors.As(err, &ce) {
		return ce.index, ce.err
	}
	return -1, err
}
