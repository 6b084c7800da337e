package codex

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ErrDisposed rejects calls made after Dispose and pending calls when the
// client shuts down.
var ErrDisposed = errors.New("codex client disposed")

// ErrTimeout marks requests that did not receive a response in time.
// Wrapped errors carry the method name; test with errors.Is.
var ErrTimeout = errors.New("codex request timed out")

// ErrNotSpawned rejects writes before Spawn has started the child process.
var ErrNotSpawned = errors.New("codex client not spawned")

// SpawnError reports a child process that could not be started.
type SpawnError struct {
	Bin string
	Err error
}

func (e *SpawnError) Error() string {
	if errors.Is(e.Err, exec.ErrNotFound) || errors.Is(e.Err, os.ErrNotExist) {
		return "Codex CLI is not installed or not available on PATH"
	}
	return fmt.Sprintf("failed to start %s: %v", e.Bin, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Error implements the error interface so child error frames propagate
// directly from Call.
func (e *Error) Error() string {
	return fmt.Sprintf("codex error %d: %s", e.Code, e.Message)
}
