package runtime

import (
	"errors"
	"fmt"
	"strings"
)

// Failure phases reported through StartupError and OnRuntimeError.
const (
	PhaseSpawn       = "spawn"
	PhaseInitialize  = "initialize"
	PhaseAuth        = "auth"
	PhaseThread      = "thread"
	PhasePromptStart = "prompt_start"
	PhaseSteer       = "steer"
	PhaseCompact     = "compact"
	PhaseRuntimeExit = "runtime_exit"
	PhaseChild       = "child"
)

// ErrTerminated is returned by operations on a terminated runtime.
var ErrTerminated = errors.New("agent is terminated")

// StartupError wraps a failure during the runtime boot sequence. A runtime
// that returns one was never usable and its child has been disposed.
type StartupError struct {
	Phase string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("agent startup failed (%s): %v", e.Phase, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// LooksLikeContextOverflow reports whether an error message from the child
// indicates the model context was exceeded, which callers treat as a cue
// to compact.
func LooksLikeContextOverflow(msg string) bool {
	m := strings.ToLower(msg)
	for _, marker := range []string{
		"context window",
		"context length",
		"context_length_exceeded",
		"maximum context",
		"prompt is too long",
	} {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}
