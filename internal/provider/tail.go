package provider

import "sync"

// TailBuffer is an io.Writer that retains only the most recent limit bytes
// written to it. Full output is expected to flow to a sink elsewhere; the
// tail exists so summaries stay bounded no matter how chatty an execution is.
type TailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

// NewTailBuffer creates a TailBuffer retaining at most limit bytes.
func NewTailBuffer(limit int) *TailBuffer {
	if limit <= 0 {
		limit = 1
	}
	return &TailBuffer{limit: limit}
}

// Write appends p, discarding the oldest bytes once the limit is exceeded.
// It never fails and always reports the full length of p as written.
func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(p) >= t.limit {
		t.buf = append(t.buf[:0], p[len(p)-t.limit:]...)
		return len(p), nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		// Copy down instead of re-slicing so the backing array stays bounded.
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

// String returns the retained tail.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// Len returns the number of retained bytes.
func (t *TailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}
