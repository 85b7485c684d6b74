// Package job provides typed handles for callables registered on a worker pool.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/mattjoyce/offload/internal/capability"
)

// Runtime registers and runs jobs. The scheduler is the production Runtime.
type Runtime interface {
	RegisterJob(jobID int64, c capability.Callable) error
	Dispatch(ctx context.Context, jobID int64, args json.RawMessage) (json.RawMessage, error)
}

// lastID is shared by every Job in the process; the first job gets 1.
var lastID atomic.Int64

// Job binds a callable to a process-wide unique id. Registration on the
// runtime starts when the Job is created; Dispatch waits for it once.
type Job[TIn, TOut any] struct {
	id       int64
	name     string
	rt       Runtime
	ready    atomic.Bool
	done     chan struct{}
	register error
}

// New assigns a fresh id to c and starts registering it in the background.
func New[TIn, TOut any](rt Runtime, c capability.Callable) *Job[TIn, TOut] {
	j := &Job[TIn, TOut]{
		id:   lastID.Add(1),
		name: c.Name,
		rt:   rt,
		done: make(chan struct{}),
	}
	go func() {
		defer close(j.done)
		if err := rt.RegisterJob(j.id, c); err != nil {
			j.register = fmt.Errorf("register job %d: %w", j.id, err)
		}
	}()
	return j
}

// Define wraps fn as a named callable and creates a Job for it.
func Define[TIn, TOut any](rt Runtime, name string, fn func(TIn) (TOut, error)) *Job[TIn, TOut] {
	return New[TIn, TOut](rt, capability.Func(name, fn))
}

// FromTable creates a Job for the callable registered as name in table.
func FromTable[TIn, TOut any](rt Runtime, table *capability.Table, name string) (*Job[TIn, TOut], error) {
	c, ok := table.Get(name)
	if !ok {
		return nil, &capability.UnsupportedCallableError{Name: name, Reason: "not in the capability table"}
	}
	return New[TIn, TOut](rt, c), nil
}

// ID returns the job's id.
func (j *Job[TIn, TOut]) ID() int64 { return j.id }

// Name returns the capability name, empty for anonymous callables.
func (j *Job[TIn, TOut]) Name() string { return j.name }

// Ready waits for registration to finish and returns its error.
func (j *Job[TIn, TOut]) Ready(ctx context.Context) error {
	if j.ready.Load() {
		return nil
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if j.register != nil {
		return j.register
	}
	j.ready.Store(true)
	return nil
}

// Dispatch runs the job with args once registration has completed.
func (j *Job[TIn, TOut]) Dispatch(ctx context.Context, args TIn) (TOut, error) {
	var zero TOut
	if err := j.Ready(ctx); err != nil {
		return zero, err
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return zero, fmt.Errorf("encode arguments for job %d: %w", j.id, err)
	}
	out, err := j.rt.Dispatch(ctx, j.id, raw)
	if err != nil {
		return zero, err
	}

	var result TOut
	if err := json.Unmarshal(out, &result); err != nil {
		return zero, fmt.Errorf("decode result of job %d: %w", j.id, err)
	}
	return result, nil
}
