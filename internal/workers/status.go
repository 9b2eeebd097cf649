package workers

import (
	"context"
	"time"
)

// State is a worker's lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateBusy    State = "busy"
	StateStopped State = "stopped"
)

// WorkerStatus describes what one worker is doing.
type WorkerStatus struct {
	ID int `json:"id"`
	// State is idle, busy or stopped.
	State State `json:"state"`
	// JobID is the job being executed, normally a buffer pos0.
	JobID string `json:"job_id,omitempty"`
	// Activity is what the job reported last, normally a scanner name.
	Activity string    `json:"activity,omitempty"`
	Since    time.Time `json:"since"`
}

// Busy returns how long the worker has been in its current state.
func (s WorkerStatus) Busy(now time.Time) time.Duration {
	if s.State != StateBusy {
		return 0
	}
	return now.Sub(s.Since)
}

// Status returns the status of every worker, ordered by ID.
func (p *Pool) Status() []WorkerStatus {
	out := make([]WorkerStatus, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.status()
	}
	return out
}

func (w *worker) status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStatus{
		ID:       w.id,
		State:    w.state,
		JobID:    w.jobID,
		Activity: w.activity,
		Since:    w.since,
	}
}

func (w *worker) setStatus(state State, jobID, activity string) {
	w.mu.Lock()
	w.state = state
	w.jobID = jobID
	w.activity = activity
	w.since = time.Now()
	w.mu.Unlock()
}

// setActivity updates the job and activity without resetting Since.
func (w *worker) setActivity(jobID, activity string) {
	w.mu.Lock()
	if jobID != "" {
		w.jobID = jobID
	}
	w.activity = activity
	w.mu.Unlock()
}

type workerKey struct{}

func withWorker(ctx context.Context, w *worker) context.Context {
	return context.WithValue(ctx, workerKey{}, w)
}

// SetActivity records what the job running under ctx is doing: jobID is
// the buffer being processed (empty keeps the current one) and activity is
// usually the scanner name. It is a no-op outside a worker.
func SetActivity(ctx context.Context, jobID, activity string) {
	if ctx == nil {
		return
	}
	if w, ok := ctx.Value(workerKey{}).(*worker); ok {
		w.setActivity(jobID, activity)
	}
}

// WorkerID returns the ID of the worker running ctx, if any.
func WorkerID(ctx context.Context) (int, bool) {
	if ctx == nil {
		return 0, false
	}
	w, ok := ctx.Value(workerKey{}).(*worker)
	if !ok {
		return 0, false
	}
	return w.id, true
}
