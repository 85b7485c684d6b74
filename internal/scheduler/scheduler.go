// Package scheduler runs job invocations on pooled workers.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/offload/internal/capability"
	"github.com/mattjoyce/offload/internal/events"
	"github.com/mattjoyce/offload/internal/log"
)

// Scheduler acquires a worker for each dispatch, runs the job on it and
// returns the worker whether the job succeeded or not.
type Scheduler struct {
	pool   WorkerPool
	events events.Publisher
	logger *slog.Logger

	inflight   atomic.Int64
	dispatched atomic.Int64
	failed     atomic.Int64
}

// New creates a Scheduler over p. A nil publisher discards events and a
// nil logger falls back to the process logger.
func New(p WorkerPool, pub events.Publisher, logger *slog.Logger) *Scheduler {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = log.Get()
	}
	return &Scheduler{
		pool:   p,
		events: pub,
		logger: logger.With("component", "scheduler"),
	}
}

// RegisterJob registers c under jobID on every pooled worker.
func (s *Scheduler) RegisterJob(jobID int64, c capability.Callable) error {
	return s.pool.RegisterJob(jobID, c)
}

type outcome struct {
	value json.RawMessage
	err   error
}

// Dispatch runs the job registered under jobID with args and returns its
// result. If ctx ends while the job runs, Dispatch returns ctx's error but the
// worker stays leased until the job finishes.
func (s *Scheduler) Dispatch(ctx context.Context, jobID int64, args json.RawMessage) (json.RawMessage, error) {
	dispatchID := uuid.NewString()
	logger := s.logger.With("dispatch_id", dispatchID, "job_id", jobID)

	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire worker for job %d: %w", jobID, err)
	}
	s.inflight.Add(1)
	s.dispatched.Add(1)

	done := make(chan outcome, 1)
	go func() {
		start := time.Now()
		value, err := lease.Worker().Run(jobID, args)
		s.pool.Release(lease)
		s.inflight.Add(-1)

		data := map[string]any{
			"dispatch_id": dispatchID,
			"job_id":      jobID,
			"worker_id":   lease.Worker().ID(),
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			s.failed.Add(1)
			data["error"] = err.Error()
			logger.Debug("dispatch failed", "worker_id", lease.Worker().ID(), "error", err)
			s.events.Publish(events.DispatchFailed, data)
		} else {
			logger.Debug("dispatch completed", "worker_id", lease.Worker().ID(), "duration", time.Since(start))
			s.events.Publish(events.DispatchCompleted, data)
		}
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		logger.Warn("caller gave up on dispatch, worker stays leased until the job settles", "error", ctx.Err())
		return nil, ctx.Err()
	}
}

// Stats counts dispatches.
type Stats struct {
	InFlight   int64 `json:"in_flight"`
	Dispatched int64 `json:"dispatched"`
	Failed     int64 `json:"failed"`
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		InFlight:   s.inflight.Load(),
		Dispatched: s.dispatched.Load(),
		Failed:     s.failed.Load(),
	}
}
