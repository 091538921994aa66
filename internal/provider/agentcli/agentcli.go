// Package agentcli runs jobs by supervising an external coding-agent CLI
// process inside the job's working directory.
package agentcli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/seantiz/foreman/internal/config"
	"github.com/seantiz/foreman/internal/model"
	"github.com/seantiz/foreman/internal/provider"
)

// promptPreamble is prepended to every prompt piped to the agent binary so
// each run operates under the same ground rules.
const promptPreamble = `Operating constraints:
- Keep output concise; do not print large diffs inline.
- Prefer small, reviewable commits.
- When you open a pull request, print its URL on its own line.

Task:
`

// Provider implements provider.Provider by spawning the configured agent CLI
// and supervising it: combined output capture, heartbeats, a hard wall-clock
// timeout, and force-kill on abort.
type Provider struct {
	cfg       config.AgentConfig
	tailLimit int
	handles   *provider.HandleTable
	logger    *slog.Logger
}

// New creates an agent CLI provider.
func New(cfg config.AgentConfig, tailLimit int, logger *slog.Logger) *Provider {
	return &Provider{
		cfg:       cfg,
		tailLimit: tailLimit,
		handles:   provider.NewHandleTable(),
		logger:    logger,
	}
}

// Name returns the registry name of this provider.
func (p *Provider) Name() string { return model.ProviderAgent }

// Abort force-kills the live process for the given job, if any.
func (p *Provider) Abort(jobID string) bool {
	return p.handles.Abort(jobID)
}

// Execute spawns the agent process and supervises it to completion.
func (p *Provider) Execute(ctx context.Context, job model.Job, ec provider.ExecContext) (provider.Result, error) {
	start := time.Now()
	tail := provider.NewTailBuffer(p.tailLimit)
	out := io.MultiWriter(ec.Sink, tail)
	defer p.handles.Deregister(job.ID)

	// 1. Build the command. The prompt goes over stdin so its size is never
	// constrained by OS argument limits.
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Dir = ec.Workdir
	cmd.Stdin = strings.NewReader(promptPreamble + job.Prompt)

	// 2. Share one pipe between stdout and stderr so the captured output
	// interleaves in the order the process produced it.
	pr, pw, err := os.Pipe()
	if err != nil {
		return p.spawnFailure(job, out, tail, fmt.Errorf("create output pipe: %w", err))
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	// 3. Start the process.
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return p.spawnFailure(job, out, tail, err)
	}
	pw.Close()

	// 4. Register the handle before any blocking call so a racing cancel
	// always has something to kill. A pre-queued abort fires right here.
	ec.RegisterHandle(strconv.Itoa(cmd.Process.Pid))
	var aborted atomic.Bool
	p.handles.Register(job.ID, func() {
		aborted.Store(true)
		_ = cmd.Process.Kill()
	})

	p.logger.Info("agent process started",
		"job_id", job.ID,
		"pid", cmd.Process.Pid,
		"command", p.cfg.Command,
		"workdir", ec.Workdir,
	)

	// 5. Stream combined output to the sink and the bounded tail.
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		_, _ = io.Copy(out, pr)
	}()

	// 6. Heartbeats while the process runs.
	hbStop := make(chan struct{})
	go runHeartbeat(p.cfg.HeartbeatInterval, hbStop, ec.Heartbeat)

	// 7. Hard wall-clock limit: append a marker to the log, then force-kill.
	var timedOut atomic.Bool
	if p.cfg.Timeout > 0 {
		timer := time.AfterFunc(p.cfg.Timeout, func() {
			timedOut.Store(true)
			fmt.Fprintf(out, "\n[foreman] wall-clock limit %s exceeded, killing process\n", p.cfg.Timeout)
			_ = cmd.Process.Kill()
		})
		defer timer.Stop()
	}

	// 8. Kill on engine shutdown so a dying daemon never strands a child.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-watchDone:
		}
	}()

	// 9. Wait for exit, then drain the pipe before reading the tail.
	waitErr := cmd.Wait()
	close(hbStop)
	<-copyDone
	pr.Close()

	exit := p.exitInfo(ctx, cmd, waitErr, aborted.Load(), timedOut.Load())
	p.logger.Info("agent process exited",
		"job_id", job.ID,
		"code", exit.Code,
		"signal", exit.Signal,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return provider.Result{OutputTail: tail.String(), Exit: exit}, nil
}

// spawnFailure records a process that never started.
func (p *Provider) spawnFailure(job model.Job, out io.Writer, tail *provider.TailBuffer, err error) (provider.Result, error) {
	fmt.Fprintf(out, "[foreman] failed to spawn agent process: %v\n", err)
	p.logger.Error("agent spawn failed", "job_id", job.ID, "command", p.cfg.Command, "error", err)
	return provider.Result{
		OutputTail: tail.String(),
		Exit:       model.ExitInfo{Code: 1, Signal: model.SignalSpawnError},
	}, provider.Errorf(model.ProviderAgent, "spawn", err)
}

// exitInfo maps how the process ended onto the job's exit record. Abort wins
// over timeout when both raced the same kill.
func (p *Provider) exitInfo(ctx context.Context, cmd *exec.Cmd, waitErr error, aborted, timedOut bool) model.ExitInfo {
	switch {
	case aborted:
		return model.ExitInfo{Code: 130, Signal: model.SignalAborted}
	case timedOut:
		return model.ExitInfo{Code: 124, Signal: model.SignalTimeoutKill}
	case ctx.Err() != nil:
		return model.ExitInfo{Code: 130, Signal: model.SignalAborted}
	}
	if waitErr == nil {
		return model.ExitInfo{Code: 0}
	}
	if cmd.ProcessState != nil {
		return model.ExitInfo{Code: cmd.ProcessState.ExitCode()}
	}
	return model.ExitInfo{Code: 1}
}

// runHeartbeat invokes beat whenever interval has elapsed since the previous
// beat. Checking elapsed time instead of counting ticks keeps the cadence
// honest across scheduler stalls and host suspends.
func runHeartbeat(interval time.Duration, stop <-chan struct{}, beat func()) {
	if beat == nil || interval <= 0 {
		return
	}
	check := interval / 5
	if check <= 0 {
		check = interval
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if now.Sub(last) >= interval {
				beat()
				last = now
			}
		}
	}
}
