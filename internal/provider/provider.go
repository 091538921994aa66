package provider

import (
	"context"
	"fmt"
	"io"

	"github.com/seantiz/foreman/internal/model"
)

// Provider is the interface that all execution providers must implement.
// Each provider (agent child process, generative tool loop) supplies its own
// implementation of these methods.
type Provider interface {
	// Name returns the registry name of this provider.
	Name() string

	// Execute runs the job to completion and returns its result. The context
	// carries engine-level cancellation; providers enforce their own wall-clock
	// limits on top of it. Execute must return a Result with a synthesized
	// ExitInfo even when it also returns an error.
	Execute(ctx context.Context, job model.Job, ec ExecContext) (Result, error)

	// Abort requests termination of the live execution for the given job ID.
	// It reports whether a live target existed. Aborting a finished or unknown
	// execution is a safe no-op that reports false.
	Abort(jobID string) bool
}

// ExecContext carries the per-job collaborators a provider needs while running.
type ExecContext struct {
	// Workdir is the working directory captured at enqueue time.
	Workdir string

	// Sink receives the complete combined output as it is produced. Writes
	// are line-oriented but not guaranteed to be whole lines.
	Sink io.Writer

	// RegisterHandle persists an opaque reference to the live execution
	// (process ID, session key) so it survives on the job record. Providers
	// must call it as soon as the execution exists, before blocking.
	RegisterHandle func(handle string)

	// Heartbeat signals that the execution is still making progress. The
	// engine turns heartbeats into periodic still-working notifications.
	Heartbeat func()
}

// Result holds the outcome of an execution.
type Result struct {
	// OutputTail is the bounded most-recent portion of the combined output.
	OutputTail string `json:"output_tail"`
	// Exit records how the execution ended.
	Exit model.ExitInfo `json:"exit"`
	// ModelLabel optionally names the generative model that produced the
	// output, for providers where that applies.
	ModelLabel string `json:"model_label,omitempty"`
}

// Error describes a provider failure. The engine converts provider errors
// into failed jobs; they never crash the worker.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a provider Error wrapping err.
func Errorf(providerName, op string, err error) *Error {
	return &Error{Provider: providerName, Op: op, Err: err}
}
