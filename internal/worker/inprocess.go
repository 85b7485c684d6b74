package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/offload/internal/capability"
)

// InProcess runs callables synchronously in the caller's goroutine.
// Registration stores the callable itself; nothing is serialized.
type InProcess struct {
	id string

	mu   sync.Mutex
	jobs map[int64]capability.Callable
}

// NewInProcess creates an in-process worker.
func NewInProcess() *InProcess {
	return &InProcess{
		id:   uuid.NewString(),
		jobs: make(map[int64]capability.Callable),
	}
}

// InProcessFactory builds in-process workers.
func InProcessFactory() Factory {
	return func(_ context.Context, _ int) (Worker, error) {
		return NewInProcess(), nil
	}
}

func (w *InProcess) ID() string { return w.id }

func (w *InProcess) RegisterJob(jobID int64, c capability.Callable) error {
	if err := c.Validate(false); err != nil {
		return err
	}
	w.mu.Lock()
	w.jobs[jobID] = c
	w.mu.Unlock()
	return nil
}

// Run holds the worker for the duration of the call so commands never overlap.
func (w *InProcess) Run(jobID int64, args json.RawMessage) (json.RawMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	c, ok := w.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job %d on worker %s", ErrNotRegistered, jobID, w.id)
	}
	out, err := c.Invoke(args)
	if err != nil {
		return nil, &ExecutionError{WorkerID: w.id, JobID: jobID, Message: err.Error(), Err: err}
	}
	return out, nil
}

func (w *InProcess) Health() (HealthReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return HealthReport{Jobs: len(w.jobs)}, nil
}

func (w *InProcess) Healthy() bool { return true }

func (w *InProcess) Close() error { return nil }
