package model

import "time"

// Job status constants.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Provider name constants.
const (
	ProviderAgent    = "agent"
	ProviderToolLoop = "toolloop"
)

// Exit signal markers synthesized by the engine and providers when the
// underlying execution did not exit on its own terms.
const (
	SignalSpawnError  = "spawn_error"
	SignalTimeoutKill = "timeout_kill"
	SignalAborted     = "aborted"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entries: once a job is succeeded, failed, or
// canceled it never changes again. A queued job can only start; cancellation
// of queued jobs is rejected at the engine boundary.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCanceled:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether a status is final.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// ExitInfo captures how an execution ended. Code is the process exit code or
// a synthesized equivalent; Signal carries the OS signal name or one of the
// synthesized markers (spawn_error, timeout_kill, aborted).
type ExitInfo struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// Job represents a single prompt execution submitted to the engine. Workdir
// and Provider are captured at enqueue time and never change afterwards, no
// matter what the workspace selection looks like by the time the job runs.
type Job struct {
	ID            string     `json:"id"`
	ChatContextID string     `json:"chat_context_id"`
	Status        string     `json:"status"`
	Prompt        string     `json:"prompt"`
	Workdir       string     `json:"workdir"`
	Provider      string     `json:"provider"`
	Handle        string     `json:"handle,omitempty"`
	ExitInfo      *ExitInfo  `json:"exit_info,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}
