package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/seantiz/foreman/internal/model"
	"github.com/seantiz/foreman/internal/provider"
	"github.com/seantiz/foreman/internal/store"
)

// notifyTimeout bounds each outbound notification attempt.
const notifyTimeout = 30 * time.Second

// errSkipClaim aborts a claim update when the job is no longer queued.
var errSkipClaim = errors.New("job no longer queued")

// runWorker is the single queue-draining goroutine. One job runs at a time;
// ticks that fire mid-execution coalesce, so the next poll happens right
// after the current job finishes.
func (e *Engine) runWorker() {
	e.logger.Info("worker loop started", "poll_interval", e.opts.PollInterval)
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop.Done():
			e.logger.Info("worker loop stopped")
			return
		case <-ticker.C:
			e.step()
		}
	}
}

// step claims and executes at most one queued job, oldest first.
func (e *Engine) step() {
	job, err := e.store.NextQueued(e.stop)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		e.logger.Error("queue poll failed", "error", err)
		return
	}
	e.runJob(job)
}

func (e *Engine) runJob(job *model.Job) {
	// 1. Claim: queued → running with a fresh read, so a job claimed or
	// finished by anyone else is skipped instead of double-run.
	claimed, err := e.store.Update(e.stop, job.ID, func(j *model.Job) error {
		if j.Status != model.StatusQueued {
			return errSkipClaim
		}
		now := time.Now().UTC()
		j.Status = model.StatusRunning
		j.StartedAt = &now
		return nil
	})
	if errors.Is(err, errSkipClaim) {
		return
	}
	if err != nil {
		e.logger.Error("failed to claim job", "job_id", job.ID, "error", err)
		return
	}

	start := time.Now()
	queueWait.Observe(start.Sub(claimed.CreatedAt).Seconds())
	jobsRunning.Inc()
	defer jobsRunning.Dec()

	e.logger.Info("job started",
		"job_id", claimed.ID,
		"provider", claimed.Provider,
		"workdir", claimed.Workdir)
	e.events.Broadcast(Event{Type: "job.running", Job: claimed})

	// 2. Assemble the output sink: live line stream plus the full log file.
	lw := newLineWriter(func(line string) { e.broker.Publish(claimed.ID, line) })
	sinks := []io.Writer{lw}
	logFile, err := os.OpenFile(e.LogPath(claimed.ID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		e.logger.Error("failed to open job log", "job_id", claimed.ID, "error", err)
	} else {
		defer logFile.Close()
		sinks = append(sinks, logFile)
	}
	sink := io.MultiWriter(sinks...)

	// 3. Resolve and execute.
	p, err := e.registry.Resolve(claimed.Provider)
	if err != nil {
		fmt.Fprintf(sink, "[foreman] no provider available: %v\n", err)
		lw.Flush()
		e.finalize(claimed, provider.Result{Exit: model.ExitInfo{Code: 1}}, fmt.Errorf("resolve provider: %w", err))
		return
	}

	ec := provider.ExecContext{
		Workdir: claimed.Workdir,
		Sink:    sink,
		RegisterHandle: func(h string) {
			if _, uerr := e.store.Update(context.Background(), claimed.ID, func(j *model.Job) error {
				j.Handle = h
				return nil
			}); uerr != nil {
				e.logger.Error("failed to persist handle", "job_id", claimed.ID, "error", uerr)
			}
		},
		Heartbeat: func() { e.sendHeartbeat(claimed, start) },
	}

	res, execErr := e.executeProvider(p, *claimed, ec)
	lw.Flush()

	// 4. Finalize and notify.
	e.finalize(claimed, res, execErr)
}

// executeProvider runs the provider with panic recovery so a misbehaving
// provider fails one job instead of killing the worker loop.
func (e *Engine) executeProvider(p provider.Provider, job model.Job, ec provider.ExecContext) (res provider.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("provider panicked", "job_id", job.ID, "provider", p.Name(), "panic", rec)
			res = provider.Result{Exit: model.ExitInfo{Code: 1}}
			err = provider.Errorf(p.Name(), "execute", fmt.Errorf("panic: %v", rec))
		}
	}()
	return p.Execute(e.stop, job, ec)
}

// finalize persists the terminal state, then closes the log stream, bumps
// metrics, and delivers the summary. The update re-reads the record, so a
// cancellation persisted while the provider was dying wins over whatever the
// provider reported.
func (e *Engine) finalize(job *model.Job, res provider.Result, execErr error) {
	defer e.broker.Close(job.ID)

	now := time.Now().UTC()
	final, err := e.store.Update(context.Background(), job.ID, func(j *model.Job) error {
		if j.Status == model.StatusCanceled {
			if j.FinishedAt == nil {
				j.FinishedAt = &now
			}
			return nil
		}
		if model.IsTerminal(j.Status) {
			return nil
		}
		exit := res.Exit
		j.ExitInfo = &exit
		j.FinishedAt = &now
		switch {
		case execErr != nil:
			j.Status = model.StatusFailed
		case res.Exit.Signal == model.SignalAborted:
			j.Status = model.StatusCanceled
		case res.Exit.Code == 0:
			j.Status = model.StatusSucceeded
		default:
			j.Status = model.StatusFailed
		}
		return nil
	})
	if err != nil {
		e.logger.Error("failed to finalize job", "job_id", job.ID, "error", err)
		return
	}

	jobsTotal.WithLabelValues(final.Provider, final.Status).Inc()
	if final.StartedAt != nil && final.FinishedAt != nil {
		jobDuration.WithLabelValues(final.Provider).Observe(final.FinishedAt.Sub(*final.StartedAt).Seconds())
	}

	e.events.Broadcast(Event{Type: "job." + final.Status, Job: final})

	attrs := []any{"job_id", final.ID, "status", final.Status}
	if final.ExitInfo != nil {
		attrs = append(attrs, "exit_code", final.ExitInfo.Code)
		if final.ExitInfo.Signal != "" {
			attrs = append(attrs, "signal", final.ExitInfo.Signal)
		}
	}
	if execErr != nil {
		attrs = append(attrs, "error", execErr)
	}
	e.logger.Info("job finished", attrs...)

	e.notifySummary(final, res, execErr)
}

// notifySummary delivers the single summary notification for a terminal job,
// attaching the full log when the job did not succeed or the tail was too
// large to inline.
func (e *Engine) notifySummary(job *model.Job, res provider.Result, execErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if err := e.notifier.SendMessage(ctx, job.ChatContextID, e.summaryText(job, res, execErr)); err != nil {
		e.logger.Error("summary notification failed", "job_id", job.ID, "error", err)
	}

	needsLog := job.Status != model.StatusSucceeded || len(res.OutputTail) > e.opts.InlineLimit
	if !needsLog {
		return
	}
	path := e.LogPath(job.ID)
	if _, err := os.Stat(path); err != nil {
		return
	}
	caption := fmt.Sprintf("job %s full log", job.ID)
	if err := e.notifier.SendDocument(ctx, job.ChatContextID, path, caption); err != nil {
		e.logger.Error("log attachment failed", "job_id", job.ID, "error", err)
	}
}

func (e *Engine) summaryText(job *model.Job, res provider.Result, execErr error) string {
	var b strings.Builder
	switch job.Status {
	case model.StatusSucceeded:
		fmt.Fprintf(&b, "Job %s succeeded.", job.ID)
	case model.StatusCanceled:
		fmt.Fprintf(&b, "Job %s canceled.", job.ID)
	default:
		switch {
		case job.ExitInfo != nil && job.ExitInfo.Signal != "":
			fmt.Fprintf(&b, "Job %s failed (exit %d, %s).", job.ID, job.ExitInfo.Code, job.ExitInfo.Signal)
		case job.ExitInfo != nil:
			fmt.Fprintf(&b, "Job %s failed (exit %d).", job.ID, job.ExitInfo.Code)
		default:
			fmt.Fprintf(&b, "Job %s failed.", job.ID)
		}
	}
	if execErr != nil {
		fmt.Fprintf(&b, "\nerror: %v", execErr)
	}
	if res.ModelLabel != "" {
		fmt.Fprintf(&b, "\nmodel: %s", res.ModelLabel)
	}

	tail := strings.TrimSpace(res.OutputTail)
	if tail == "" {
		return b.String()
	}
	if len(tail) <= e.opts.InlineLimit {
		fmt.Fprintf(&b, "\n\n%s", tail)
	} else {
		fmt.Fprintf(&b, "\n\nOutput is %d characters; full log attached.", len(tail))
	}
	return b.String()
}

// sendHeartbeat posts a still-working notice for a long-running job.
func (e *Engine) sendHeartbeat(job *model.Job, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	elapsed := time.Since(start).Round(time.Second)
	text := fmt.Sprintf("Still working on job %s (%s elapsed).", job.ID, elapsed)
	if err := e.notifier.SendMessage(ctx, job.ChatContextID, text); err != nil {
		e.logger.Warn("heartbeat notification failed", "job_id", job.ID, "error", err)
	}
}
