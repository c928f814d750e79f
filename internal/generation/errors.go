package generation

import (
	"errors"
	"fmt"
)

var (
	// ErrNoVariantSucceeded is returned when every variant of a job failed.
	ErrNoVariantSucceeded = errors.New("no variant produced a result")
)

// BackendUnavailableError means the chosen backend could not be reached
// before a stage started.
type BackendUnavailableError struct {
	Backend string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %v", e.Backend, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// MissingInputError means a file a stage depends on does not exist.
type MissingInputError struct {
	Path string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("input file not found: %s", e.Path)
}

// ArtifactNotProducedError means a backend call returned but its output
// never appeared within the wait window.
type ArtifactNotProducedError struct {
	Path     string
	Attempts int
}

func (e *ArtifactNotProducedError) Error() string {
	return fmt.Sprintf("artifact %s not produced after %d checks", e.Path, e.Attempts)
}
