package swarm

import "errors"

var (
	// ErrAgentNotFound is returned when an agent id is unknown.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentNotRunning is returned when an operation needs a live runtime.
	ErrAgentNotRunning = errors.New("agent is not running")
	// ErrAgentTerminated is returned for operations on terminated agents.
	ErrAgentTerminated = errors.New("agent is terminated")
	// ErrNotManager is returned when a worker calls a manager-only operation.
	ErrNotManager = errors.New("operation requires a manager agent")
	// ErrNotOwned is returned when a manager addresses another manager's worker.
	ErrNotOwned = errors.New("agent is not owned by the calling manager")
)
