package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/foreman/internal/model"
)

// Compile-time interface satisfaction check.
var _ Store = (*FileStore)(nil)

// FileStore implements Store against a single JSON document on disk. A
// missing or malformed document reads as an empty collection; durability is
// best effort and the last writer wins. The mutex serializes read-modify-write
// cycles within this process, and every cycle re-reads the file first.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore persisting to the JSON document at path,
// creating parent directories as needed. The document itself is created
// lazily on first write.
func NewFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

// Close is a no-op; the document is re-opened on every operation.
func (s *FileStore) Close() error {
	return nil
}

// read loads the whole document. Missing and malformed documents both yield
// an empty collection so a corrupt file degrades service instead of ending it.
func (s *FileStore) read() ([]*model.Job, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read job document: %w", err)
	}
	var jobs []*model.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, nil
	}
	return jobs, nil
}

// write replaces the whole document via a temp file and rename so readers
// never observe a half-written document.
func (s *FileStore) write(jobs []*model.Job) error {
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job document: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write job document: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace job document: %w", err)
	}
	return nil
}

// Load returns every job in the collection.
func (s *FileStore) Load(ctx context.Context) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Save replaces the whole collection.
func (s *FileStore) Save(ctx context.Context, jobs []*model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(jobs)
}

// Get retrieves a job by ID.
func (s *FileStore) Get(ctx context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.read()
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, ErrNotFound
}

// Upsert inserts or replaces one job by ID and bumps its UpdatedAt.
func (s *FileStore) Upsert(ctx context.Context, j *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.read()
	if err != nil {
		return err
	}
	j.UpdatedAt = time.Now().UTC()
	replaced := false
	for i, existing := range jobs {
		if existing.ID == j.ID {
			jobs[i] = j
			replaced = true
			break
		}
	}
	if !replaced {
		jobs = append(jobs, j)
	}
	return s.write(jobs)
}

// Update atomically applies fn to the stored job with the given ID and
// persists the result. fn operates on the freshly loaded record, so updates
// racing a cancellation observe the canceled state instead of clobbering it.
// A status change fn makes must follow the transition table; in particular a
// terminal status can never be overwritten.
func (s *FileStore) Update(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.read()
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.ID == id {
			before := j.Status
			if err := fn(j); err != nil {
				return nil, err
			}
			if j.Status != before && !model.ValidTransition(before, j.Status) {
				return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before, j.Status)
			}
			j.UpdatedAt = time.Now().UTC()
			if err := s.write(jobs); err != nil {
				return nil, err
			}
			return j, nil
		}
	}
	return nil, ErrNotFound
}

// NextQueued returns the oldest queued job, ordered by CreatedAt with the ID
// as tie-break. ErrNotFound means the queue is empty.
func (s *FileStore) NextQueued(ctx context.Context) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.read()
	if err != nil {
		return nil, err
	}
	var oldest *model.Job
	for _, j := range jobs {
		if j.Status != model.StatusQueued {
			continue
		}
		if oldest == nil || earlier(j, oldest) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	return oldest, nil
}

// earlier reports whether a should run before b.
func earlier(a, b *model.Job) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// ListRecent returns jobs newest-first, optionally filtered by chat context,
// along with the total count of the filtered set. chatContextID == "" lists
// every chat.
func (s *FileStore) ListRecent(ctx context.Context, chatContextID string, limit, offset int) ([]*model.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.read()
	if err != nil {
		return nil, 0, err
	}
	var filtered []*model.Job
	for _, j := range jobs {
		if chatContextID == "" || j.ChatContextID == chatContextID {
			filtered = append(filtered, j)
		}
	}
	sort.Slice(filtered, func(i, k int) bool {
		return earlier(filtered[k], filtered[i])
	})
	total := len(filtered)

	if offset > len(filtered) {
		offset = len(filtered)
	}
	filtered = filtered[offset:]
	if limit > 0 && limit < len(filtered) {
		filtered = filtered[:limit]
	}
	return filtered, total, nil
}

// Stats aggregates counts and durations across all jobs.
func (s *FileStore) Stats(ctx context.Context) (*JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.read()
	if err != nil {
		return nil, err
	}
	stats := &JobStats{
		Total:           len(jobs),
		CountByStatus:   make(map[string]int),
		CountByProvider: make(map[string]int),
	}
	var durTotal float64
	var durCount int
	for _, j := range jobs {
		stats.CountByStatus[j.Status]++
		stats.CountByProvider[j.Provider]++
		if j.StartedAt != nil && j.FinishedAt != nil {
			durTotal += float64(j.FinishedAt.Sub(*j.StartedAt).Milliseconds())
			durCount++
		}
	}
	if durCount > 0 {
		stats.AvgDurationMS = durTotal / float64(durCount)
	}
	return stats, nil
}
