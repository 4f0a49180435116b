// Package registry holds the in-process view of live jobs: the fast-path
// read model the status API serves from, kept in sync with the durable Job
// Store on every state transition. A single writer per in-flight job is
// enforced through an explicit mutex-guarded map rather than per-job
// goroutine state.
package registry

import (
	"sync"
	"time"

	"github.com/scenesmith/orchestrator/internal/store"
)

// Record mirrors a store.Job for fast in-memory reads, plus timing the store
// doesn't need to persist.
type Record struct {
	ID           string
	Type         string
	State        store.JobState
	Progress     int
	CurrentPhase string
	UserID       string
	Metadata     map[string]any
	Error        string
	SubmittedAt  time.Time
	UpdatedAt    time.Time
}

// Registry is a concurrent map of live job records.
type Registry struct {
	mu      sync.RWMutex
	records map[string]Record
}

func New() *Registry {
	return &Registry{records: make(map[string]Record)}
}

// Install adds or replaces a record, used both on submission and when
// RecoverUnfinished reinstalls jobs after a restart.
func (r *Registry) Install(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec
}

// Get returns a copy of a job's record.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// UpdateProgress advances progress/phase for an in-flight job.
func (r *Registry) UpdateProgress(id string, progress int, phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return
	}
	rec.Progress = progress
	rec.CurrentPhase = phase
	rec.UpdatedAt = time.Now().UTC()
	r.records[id] = rec
}

// Finish transitions a job to a terminal state with optional metadata/error.
func (r *Registry) Finish(id string, state store.JobState, metadata map[string]any, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return
	}
	rec.State = state
	rec.Metadata = metadata
	rec.Error = errMsg
	if state == store.StateDone {
		rec.Progress = 100
	}
	rec.UpdatedAt = time.Now().UTC()
	r.records[id] = rec
}

// SetState transitions a job's state without touching metadata (e.g. queued -> processing).
func (r *Registry) SetState(id string, state store.JobState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return
	}
	rec.State = state
	rec.UpdatedAt = time.Now().UTC()
	r.records[id] = rec
}

// ListByUser returns every record for a user, most recently submitted first.
func (r *Registry) ListByUser(userID string, limit int) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for _, rec := range r.records {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].SubmittedAt.Before(out[j].SubmittedAt); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Delete removes a record (used alongside store.Delete).
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}

// Len reports the number of tracked jobs, mostly useful for tests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
