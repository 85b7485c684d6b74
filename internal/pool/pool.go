// Package pool hands out a fixed set of workers to callers one at a time.
//
// Acquire takes an idle worker or queues the caller; Release passes the
// worker straight to the oldest queued caller, so waiters are served in
// arrival order. RegisterJob broadcasts a job to every worker and remembers
// it, so a worker that breaks can be replaced with one that already knows
// every live job.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/offload/internal/capability"
	"github.com/mattjoyce/offload/internal/events"
	"github.com/mattjoyce/offload/internal/log"
	"github.com/mattjoyce/offload/internal/worker"
)

type slotState int

const (
	stateIdle slotState = iota
	stateLeased
	stateReplacing
)

func (s slotState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateLeased:
		return "leased"
	case stateReplacing:
		return "replacing"
	default:
		return "unknown"
	}
}

// DefaultSize is the pool size used when none is configured.
func DefaultSize() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 4
}

// Pool owns N workers. Every slot is idle, leased or being replaced.
type Pool struct {
	factory        worker.Factory
	logger         *slog.Logger
	events         events.Publisher
	acquireTimeout time.Duration
	backoff        exponential

	// ctx bounds background replacement and ends with Close.
	ctx    context.Context
	cancel context.CancelFunc

	// regMu is held shared by registration broadcasts and exclusively while
	// a replacement replays the job table.
	regMu sync.RWMutex

	mu           sync.Mutex
	slots        []worker.Worker
	states       []slotState
	idle         []int
	waiters      []*waiter
	jobs         map[int64]capability.Callable
	leased       int
	replacements int64
	closed       bool

	leases    sync.WaitGroup
	replacers sync.WaitGroup
}

type waiter struct {
	ch chan int // receives the handed slot; closed when the pool closes
}

// Lease is exclusive use of one worker until Release.
type Lease struct {
	pool     *Pool
	slot     int
	worker   worker.Worker
	released atomic.Bool
}

// Worker returns the leased worker.
func (l *Lease) Worker() worker.Worker { return l.worker }

// Slot returns the pool slot the worker occupies.
func (l *Lease) Slot() int { return l.slot }

// Release returns the worker to the pool.
func (l *Lease) Release() { l.pool.Release(l) }

// New starts size workers from factory, concurrently.
func New(ctx context.Context, size int, factory worker.Factory, opts ...Option) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}

	p := &Pool{
		factory: factory,
		logger:  log.WithComponent("pool"),
		events:  events.Nop{},
		backoff: exponential{initial: 100 * time.Millisecond, max: 5 * time.Second},
		slots:   make([]worker.Worker, size),
		states:  make([]slotState, size),
		idle:    make([]int, 0, size),
		jobs:    make(map[int64]capability.Callable),
	}
	for _, opt := range opts {
		opt(p)
	}

	g, gctx := errgroup.WithContext(ctx)
	for slot := range size {
		g.Go(func() error {
			w, err := factory(gctx, slot)
			if err != nil {
				return fmt.Errorf("start worker %d: %w", slot, err)
			}
			p.slots[slot] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range p.slots {
			if w != nil {
				_ = w.Close()
			}
		}
		return nil, err
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	for slot, w := range p.slots {
		p.idle = append(p.idle, slot)
		p.events.Publish(events.WorkerStarted, map[string]any{"slot": slot, "worker_id": w.ID()})
	}
	p.logger.Info("pool started", "size", size)
	return p, nil
}

// Size returns the number of worker slots.
func (p *Pool) Size() int { return len(p.slots) }

// Acquire returns a lease on an idle worker, waiting in arrival order when
// none is free. Idle workers found unhealthy are sent for replacement.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	for len(p.idle) > 0 {
		slot := p.idle[0]
		p.idle = p.idle[1:]
		if !p.slots[slot].Healthy() {
			p.replaceLocked(slot)
			continue
		}
		lease := p.leaseLocked(slot)
		p.mu.Unlock()
		return lease, nil
	}
	w := &waiter{ch: make(chan int, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case slot, ok := <-w.ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		return p.handedLease(slot), nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	if i := slices.Index(p.waiters, w); i >= 0 {
		p.waiters = slices.Delete(p.waiters, i, i+1)
		p.mu.Unlock()
		return nil, acquireError(ctx)
	}
	p.mu.Unlock()

	// A worker was handed over as we gave up.
	if slot, ok := <-w.ch; ok {
		p.Release(p.handedLease(slot))
	}
	return nil, acquireError(ctx)
}

func acquireError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrAcquireTimeout, ctx.Err())
	}
	return ctx.Err()
}

// leaseLocked marks slot leased. The caller holds p.mu.
func (p *Pool) leaseLocked(slot int) *Lease {
	p.states[slot] = stateLeased
	p.leased++
	p.leases.Add(1)
	return &Lease{pool: p, slot: slot, worker: p.slots[slot]}
}

func (p *Pool) handedLease(slot int) *Lease {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Lease{pool: p, slot: slot, worker: p.slots[slot]}
}

// handoffLocked gives slot to the oldest waiter or marks it idle. The caller
// holds p.mu.
func (p *Pool) handoffLocked(slot int) {
	if !p.closed && len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.states[slot] = stateLeased
		p.leased++
		p.leases.Add(1)
		w.ch <- slot
		return
	}
	p.states[slot] = stateIdle
	p.idle = append(p.idle, slot)
}

// Release returns a leased worker. Releasing the same lease twice is a no-op.
// An unhealthy worker is replaced before anyone else can acquire its slot.
// Once the pool is closed the worker is closed instead.
func (p *Pool) Release(lease *Lease) {
	if lease == nil || !lease.released.CompareAndSwap(false, true) {
		return
	}
	defer p.leases.Done()

	p.mu.Lock()
	p.leased--
	switch {
	case p.closed:
		p.retireLocked(lease.slot)
		p.mu.Unlock()
		p.closeWorker(lease.worker)
	case !lease.worker.Healthy():
		p.replaceLocked(lease.slot)
		p.mu.Unlock()
	default:
		p.handoffLocked(lease.slot)
		p.mu.Unlock()
	}
}

// retireLocked empties slot on a closed pool so Close skips it. The caller
// holds p.mu and closes the worker.
func (p *Pool) retireLocked(slot int) {
	p.slots[slot] = nil
	p.states[slot] = stateIdle
}

func (p *Pool) closeWorker(w worker.Worker) {
	if err := w.Close(); err != nil {
		p.logger.Debug("closing worker", "worker_id", w.ID(), "error", err)
	}
}

// replaceLocked starts replacing the worker in slot. The caller holds p.mu.
func (p *Pool) replaceLocked(slot int) {
	old := p.slots[slot]
	p.states[slot] = stateReplacing
	p.replacers.Add(1)
	p.logger.Warn("worker unhealthy, replacing", "slot", slot, "worker_id", old.ID())
	p.events.Publish(events.WorkerUnhealthy, map[string]any{"slot": slot, "worker_id": old.ID()})
	go p.replace(slot, old)
}

func (p *Pool) replace(slot int, old worker.Worker) {
	defer p.replacers.Done()
	if err := old.Close(); err != nil {
		p.logger.Debug("closing unhealthy worker", "slot", slot, "error", err)
	}

	for attempt := 1; ; attempt++ {
		w, err := p.startReplacement(slot)
		if err == nil {
			p.mu.Lock()
			if p.closed {
				p.retireLocked(slot)
				p.mu.Unlock()
				p.closeWorker(w)
				return
			}
			p.slots[slot] = w
			p.replacements++
			p.handoffLocked(slot)
			p.mu.Unlock()

			p.logger.Info("worker replaced", "slot", slot, "worker_id", w.ID(), "attempt", attempt)
			p.events.Publish(events.WorkerReplaced, map[string]any{
				"slot": slot, "worker_id": w.ID(), "previous_id": old.ID(),
			})
			return
		}

		delay := p.backoff.delay(attempt)
		p.logger.Warn("worker replacement failed", "slot", slot, "attempt", attempt, "retry_in", delay, "error", err)
		p.events.Publish(events.WorkerReplaceFailed, map[string]any{
			"slot": slot, "attempt": attempt, "error": err.Error(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-p.ctx.Done():
			timer.Stop()
			p.mu.Lock()
			p.slots[slot] = nil
			p.mu.Unlock()
			return
		}
	}
}

// startReplacement creates a worker and replays every registered job on it.
func (p *Pool) startReplacement(slot int) (worker.Worker, error) {
	if err := p.ctx.Err(); err != nil {
		return nil, err
	}
	w, err := p.factory(p.ctx, slot)
	if err != nil {
		return nil, err
	}

	p.regMu.Lock()
	defer p.regMu.Unlock()

	p.mu.Lock()
	jobs := maps.Clone(p.jobs)
	p.mu.Unlock()
	ids := slices.Sorted(maps.Keys(jobs))

	for _, id := range ids {
		if err := w.RegisterJob(id, jobs[id]); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("replay job %d: %w", id, err)
		}
	}
	return w, nil
}

type target struct {
	slot   int
	worker worker.Worker
}

// RegisterJob makes c invocable under jobID on every worker and waits for all
// of them. If any worker refuses, the job is forgotten and a
// *RegistrationError lists each failing worker. Workers that break during the
// broadcast are skipped: their replacement receives the job.
func (p *Pool) RegisterJob(jobID int64, c capability.Callable) error {
	p.regMu.RLock()
	defer p.regMu.RUnlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.jobs[jobID] = c
	targets := make([]target, 0, len(p.slots))
	for slot, w := range p.slots {
		if w == nil || p.states[slot] == stateReplacing || !w.Healthy() {
			continue
		}
		targets = append(targets, target{slot: slot, worker: w})
	}
	p.mu.Unlock()

	errs := make([]error, len(targets))
	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			errs[i] = t.worker.RegisterJob(jobID, c)
			return errs[i]
		})
	}
	_ = g.Wait()

	var failures []WorkerFailure
	for i, err := range errs {
		if err == nil || errors.Is(err, worker.ErrChannelBroken) {
			continue
		}
		failures = append(failures, WorkerFailure{Slot: targets[i].slot, WorkerID: targets[i].worker.ID(), Err: err})
	}

	logger := log.WithJob(jobID).With("capability", c.Name)
	if len(failures) > 0 {
		p.mu.Lock()
		delete(p.jobs, jobID)
		p.mu.Unlock()

		regErr := &RegistrationError{JobID: jobID, Total: len(p.slots), Failures: failures}
		logger.Warn("job registration failed", "failed", len(failures), "error", regErr)
		p.events.Publish(events.JobRegistrationFailed, map[string]any{
			"job_id": jobID, "capability": c.Name, "error": regErr.Error(),
		})
		return regErr
	}

	logger.Debug("job registered", "workers", len(targets))
	p.events.Publish(events.JobRegistered, map[string]any{"job_id": jobID, "capability": c.Name})
	return nil
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size         int   `json:"size"`
	Idle         int   `json:"idle"`
	Leased       int   `json:"leased"`
	Replacing    int   `json:"replacing"`
	Waiting      int   `json:"waiting"`
	Jobs         int   `json:"jobs"`
	Replacements int64 `json:"replacements"`
	Closed       bool  `json:"closed"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Size:         len(p.slots),
		Idle:         len(p.idle),
		Leased:       p.leased,
		Waiting:      len(p.waiters),
		Jobs:         len(p.jobs),
		Replacements: p.replacements,
		Closed:       p.closed,
	}
	for _, st := range p.states {
		if st == stateReplacing {
			s.Replacing++
		}
	}
	return s
}

// WorkerStatus describes one slot as seen by Check.
type WorkerStatus struct {
	Slot     int    `json:"slot"`
	WorkerID string `json:"worker_id,omitempty"`
	State    string `json:"state"`
	Healthy  bool   `json:"healthy"`
	Jobs     *int   `json:"jobs,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Check reports every slot. Idle workers that answer health commands are
// probed; leased workers are not interrupted.
func (p *Pool) Check() []WorkerStatus {
	p.mu.Lock()
	statuses := make([]WorkerStatus, len(p.slots))
	probe := make(map[int]worker.HealthChecker)
	for slot, w := range p.slots {
		st := WorkerStatus{Slot: slot, State: p.states[slot].String()}
		if w != nil && p.states[slot] != stateReplacing {
			st.WorkerID = w.ID()
			st.Healthy = w.Healthy()
			if hc, ok := w.(worker.HealthChecker); ok && p.states[slot] == stateIdle && st.Healthy {
				probe[slot] = hc
			}
		}
		statuses[slot] = st
	}
	p.mu.Unlock()

	for slot, hc := range probe {
		report, err := hc.Health()
		if err != nil {
			statuses[slot].Healthy = false
			statuses[slot].Error = err.Error()
			continue
		}
		jobs := report.Jobs
		statuses[slot].Jobs = &jobs
	}
	return statuses
}

// Close fails queued Acquire calls with ErrPoolClosed, waits for outstanding
// leases to be released and closes every worker. If ctx ends first, ctx's
// error is returned and leased workers are closed as they are released.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil
	p.mu.Unlock()

	p.cancel()
	p.logger.Info("pool closing")

	done := make(chan struct{})
	go func() {
		p.leases.Wait()
		p.replacers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("close pool: %w", ctx.Err())
		p.logger.Warn("pool close timed out with workers still leased", "leased", p.Stats().Leased)
	}

	p.mu.Lock()
	var closing []worker.Worker
	for slot, w := range p.slots {
		if w != nil && (err == nil || p.states[slot] == stateIdle) {
			closing = append(closing, w)
		}
	}
	p.mu.Unlock()
	for _, w := range closing {
		p.closeWorker(w)
	}

	p.events.Publish(events.PoolClosed, map[string]any{"workers": len(closing)})
	return err
}
