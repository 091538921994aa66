package store

import (
	"context"
	"errors"

	"github.com/seantiz/foreman/internal/model"
)

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("job not found")

// ErrInvalidTransition is returned when a job status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// JobStats holds aggregate execution statistics.
type JobStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByProvider map[string]int `json:"count_by_provider"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for jobs. Implementations own the
// whole collection as a single document: every read-modify-write cycle loads
// the current state first, so concurrent mutators and external edits are
// tolerated with last-write-wins semantics.
type Store interface {
	// Load returns every job in the collection.
	Load(ctx context.Context) ([]*model.Job, error)
	// Save replaces the whole collection.
	Save(ctx context.Context, jobs []*model.Job) error
	// Get retrieves a job by ID.
	Get(ctx context.Context, id string) (*model.Job, error)
	// Upsert inserts or replaces one job by ID and bumps its UpdatedAt.
	Upsert(ctx context.Context, j *model.Job) error
	// Update atomically applies fn to the stored job with the given ID and
	// persists the result. fn returning an error abandons the write.
	Update(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error)
	// NextQueued returns the oldest queued job, ordered by CreatedAt with the
	// ID as tie-break. ErrNotFound means the queue is empty.
	NextQueued(ctx context.Context) (*model.Job, error)
	// ListRecent returns jobs newest-first, optionally filtered by chat
	// context, along with the total count of the filtered set.
	ListRecent(ctx context.Context, chatContextID string, limit, offset int) ([]*model.Job, int, error)
	// Stats aggregates counts and durations across all jobs.
	Stats(ctx context.Context) (*JobStats, error)
	Close() error
}
