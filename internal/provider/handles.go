package provider

import "sync"

// HandleTable tracks the kill function for each live execution. Abort
// requests that arrive before the handle is known are remembered, closing the
// race between a fast cancel and a slow spawn: the queued abort fires the
// moment the handle registers. Job IDs are never reused, so a queued abort
// can only ever match the execution it was aimed at.
type HandleTable struct {
	mu      sync.Mutex
	kills   map[string]func()
	pending map[string]bool
}

// NewHandleTable creates an empty handle table.
func NewHandleTable() *HandleTable {
	return &HandleTable{
		kills:   make(map[string]func()),
		pending: make(map[string]bool),
	}
}

// Register associates a kill function with a job. If an abort was queued
// before registration, kill runs immediately and Register reports false so
// the caller knows the execution is already being torn down.
func (h *HandleTable) Register(jobID string, kill func()) bool {
	h.mu.Lock()
	if h.pending[jobID] {
		delete(h.pending, jobID)
		h.mu.Unlock()
		kill()
		return false
	}
	h.kills[jobID] = kill
	h.mu.Unlock()
	return true
}

// Deregister removes all record of the job. Providers call it on every exit
// path, including spawn failures.
func (h *HandleTable) Deregister(jobID string) {
	h.mu.Lock()
	delete(h.kills, jobID)
	delete(h.pending, jobID)
	h.mu.Unlock()
}

// Abort invokes the kill function registered for the job and reports whether
// a live target existed. When no handle is registered the request is queued
// for registration time and the call reports false, since nothing was running
// to receive the signal.
func (h *HandleTable) Abort(jobID string) bool {
	h.mu.Lock()
	kill, ok := h.kills[jobID]
	if !ok {
		h.pending[jobID] = true
		h.mu.Unlock()
		return false
	}
	delete(h.kills, jobID)
	h.mu.Unlock()

	kill()
	return true
}

// Active returns the number of live registered executions.
func (h *HandleTable) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.kills)
}
