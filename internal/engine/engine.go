package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/foreman/internal/model"
	"github.com/seantiz/foreman/internal/notify"
	"github.com/seantiz/foreman/internal/provider"
	"github.com/seantiz/foreman/internal/store"
	"github.com/seantiz/foreman/internal/workspace"
)

// Cancel outcome reasons.
const (
	ReasonNotFound   = "not_found"
	ReasonNotRunning = "not_running"
)

// Defaults applied when Options fields are zero.
const (
	defaultPollInterval = 750 * time.Millisecond
	defaultInlineLimit  = 3500
	defaultTailLimit    = 14000
)

// errNotRunning aborts a cancel update when the job is no longer running.
var errNotRunning = errors.New("job is not running")

// Options tunes engine behavior.
type Options struct {
	// DataDir is the root for per-job artifacts (logs/<id>.log and
	// logs/<id>.meta.json).
	DataDir string
	// PollInterval is the queue polling cadence of the worker loop.
	PollInterval time.Duration
	// InlineLimit is the largest output tail, in bytes, delivered inline in
	// the summary notification. Larger tails ship as a document instead.
	InlineLimit int
	// TailLimit bounds ReadTail responses.
	TailLimit int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.InlineLimit <= 0 {
		o.InlineLimit = defaultInlineLimit
	}
	if o.TailLimit <= 0 {
		o.TailLimit = defaultTailLimit
	}
	return o
}

// EnqueueResult reports the routing fields captured when a job was accepted.
type EnqueueResult struct {
	JobID    string `json:"job_id"`
	Workdir  string `json:"workdir"`
	Provider string `json:"provider"`
}

// CancelOutcome reports whether a cancel took effect and, when it did not,
// why: ReasonNotFound or ReasonNotRunning.
type CancelOutcome struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Engine orchestrates sequential job execution.
type Engine struct {
	store    store.Store
	registry *provider.Registry
	resolver workspace.Resolver
	notifier notify.Notifier
	logger   *slog.Logger
	opts     Options

	broker *LogBroker
	events *EventHub

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
	stop    context.Context
	cancel  context.CancelFunc
}

// New creates an execution engine. The worker loop is not started until the
// first Enqueue (or an explicit Start).
func New(s store.Store, reg *provider.Registry, res workspace.Resolver, n notify.Notifier, logger *slog.Logger, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(filepath.Join(opts.DataDir, "logs"), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	stop, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    s,
		registry: reg,
		resolver: res,
		notifier: n,
		logger:   logger,
		opts:     opts,
		broker:   NewLogBroker(),
		events:   NewEventHub(logger),
		stop:     stop,
		cancel:   cancel,
	}, nil
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Events returns the engine's lifecycle event hub.
func (e *Engine) Events() *EventHub {
	return e.events
}

// Start launches the worker loop if it is not already running. Safe to call
// any number of times; Enqueue calls it implicitly. Call it at boot so jobs
// left queued by a previous run get picked up without a new enqueue.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return
	}
	e.started = true
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runWorker()
	}()
}

// Shutdown stops the worker loop and aborts any in-flight execution, then
// waits for the loop to exit or the context to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue accepts a prompt for execution. The working directory and provider
// name are resolved here, stored on the job, and never changed afterwards.
// The job is persisted as queued before the method returns.
func (e *Engine) Enqueue(ctx context.Context, chatContextID, prompt, providerName string) (EnqueueResult, error) {
	if chatContextID == "" {
		return EnqueueResult{}, errors.New("chat context id is required")
	}
	if strings.TrimSpace(prompt) == "" {
		return EnqueueResult{}, errors.New("prompt is empty")
	}

	workdir, err := e.resolver.Resolve(chatContextID)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("resolve workdir: %w", err)
	}

	// Unknown provider names fall back to the default rather than failing.
	p, err := e.registry.Resolve(providerName)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("resolve provider: %w", err)
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:            model.NewID(),
		ChatContextID: chatContextID,
		Status:        model.StatusQueued,
		Prompt:        prompt,
		Workdir:       workdir,
		Provider:      p.Name(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Upsert(ctx, job); err != nil {
		return EnqueueResult{}, fmt.Errorf("persist job: %w", err)
	}

	e.writeMeta(job)
	e.events.Broadcast(Event{Type: "job.queued", Job: job})
	e.logger.Info("job enqueued",
		"job_id", job.ID,
		"chat_context_id", chatContextID,
		"provider", job.Provider,
		"workdir", workdir)

	e.Start()

	return EnqueueResult{JobID: job.ID, Workdir: workdir, Provider: job.Provider}, nil
}

// Cancel stops a running job owned by the given chat context. Jobs that do
// not exist (or belong to another chat) report not_found; jobs in any state
// other than running report not_running. The canceled status is persisted
// before the live execution is killed so a racing finalizer keeps it.
func (e *Engine) Cancel(ctx context.Context, chatContextID, jobID string) (CancelOutcome, error) {
	job, err := e.store.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return CancelOutcome{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return CancelOutcome{}, fmt.Errorf("load job: %w", err)
	}
	if chatContextID != "" && job.ChatContextID != chatContextID {
		return CancelOutcome{Reason: ReasonNotFound}, nil
	}
	if job.Status != model.StatusRunning {
		return CancelOutcome{Reason: ReasonNotRunning}, nil
	}

	updated, err := e.store.Update(ctx, jobID, func(j *model.Job) error {
		if j.Status != model.StatusRunning {
			return errNotRunning
		}
		now := time.Now().UTC()
		j.Status = model.StatusCanceled
		j.FinishedAt = &now
		j.ExitInfo = &model.ExitInfo{Code: 130, Signal: model.SignalAborted}
		return nil
	})
	if errors.Is(err, errNotRunning) {
		return CancelOutcome{Reason: ReasonNotRunning}, nil
	}
	if err != nil {
		return CancelOutcome{}, fmt.Errorf("mark canceled: %w", err)
	}

	if p, rerr := e.registry.Resolve(updated.Provider); rerr == nil {
		p.Abort(jobID)
	}

	e.logger.Info("job canceled", "job_id", jobID, "chat_context_id", updated.ChatContextID)
	return CancelOutcome{OK: true}, nil
}

// GetJob returns a job by ID.
func (e *Engine) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return e.store.Get(ctx, id)
}

// ListRecent returns jobs newest-first, optionally filtered by chat context,
// along with the total number of matches.
func (e *Engine) ListRecent(ctx context.Context, chatContextID string, limit, offset int) ([]*model.Job, int, error) {
	return e.store.ListRecent(ctx, chatContextID, limit, offset)
}

// Stats returns aggregate job counts and durations.
func (e *Engine) Stats(ctx context.Context) (*store.JobStats, error) {
	return e.store.Stats(ctx)
}

// LogPath returns the path of a job's full log file.
func (e *Engine) LogPath(jobID string) string {
	return filepath.Join(e.opts.DataDir, "logs", jobID+".log")
}

// ReadTail returns the last TailLimit bytes of a job's log file.
func (e *Engine) ReadTail(jobID string) (string, error) {
	data, err := os.ReadFile(e.LogPath(jobID))
	if err != nil {
		return "", err
	}
	if len(data) > e.opts.TailLimit {
		data = data[len(data)-e.opts.TailLimit:]
	}
	return string(data), nil
}

// jobMeta is the per-job metadata snapshot written next to the log file.
type jobMeta struct {
	ID            string    `json:"id"`
	ChatContextID string    `json:"chat_context_id"`
	Provider      string    `json:"provider"`
	Prompt        string    `json:"prompt"`
	Workdir       string    `json:"workdir"`
	CreatedAt     time.Time `json:"created_at"`
}

// writeMeta persists the enqueue-time snapshot. Failures are logged, never
// fatal: the store remains the source of truth.
func (e *Engine) writeMeta(job *model.Job) {
	meta := jobMeta{
		ID:            job.ID,
		ChatContextID: job.ChatContextID,
		Provider:      job.Provider,
		Prompt:        job.Prompt,
		Workdir:       job.Workdir,
		CreatedAt:     job.CreatedAt,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		e.logger.Error("failed to encode job metadata", "job_id", job.ID, "error", err)
		return
	}
	path := filepath.Join(e.opts.DataDir, "logs", job.ID+".meta.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.logger.Error("failed to write job metadata", "job_id", job.ID, "error", err)
	}
}
