package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/offload/internal/capability"
	"github.com/mattjoyce/offload/internal/events"
	"github.com/mattjoyce/offload/internal/log"
	"github.com/mattjoyce/offload/internal/worker"
	"github.com/mattjoyce/offload/internal/worker/mocks"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

var increment = capability.Func("increment", func(x int) (int, error) { return x + 1, nil })

// flakyWorker is an in-process worker that can be marked broken.
type flakyWorker struct {
	*worker.InProcess
	broken atomic.Bool
	closed atomic.Bool
}

func (w *flakyWorker) Healthy() bool { return !w.broken.Load() }

func (w *flakyWorker) Close() error {
	w.closed.Store(true)
	return nil
}

// flakyFactory records every worker it creates.
type flakyFactory struct {
	mu      sync.Mutex
	created []*flakyWorker
	fail    atomic.Int32 // number of upcoming calls that fail
}

func (f *flakyFactory) New(_ context.Context, _ int) (worker.Worker, error) {
	if f.fail.Load() > 0 {
		f.fail.Add(-1)
		return nil, errors.New("spawn failed")
	}
	w := &flakyWorker{InProcess: worker.NewInProcess()}
	f.mu.Lock()
	f.created = append(f.created, w)
	f.mu.Unlock()
	return w, nil
}

func (f *flakyFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func newPool(t *testing.T, size int, opts ...Option) *Pool {
	t.Helper()
	p, err := New(context.Background(), size, worker.InProcessFactory(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestNew_InvalidSize(t *testing.T) {
	_, err := New(context.Background(), 0, worker.InProcessFactory())
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestNew_FactoryFailureClosesStartedWorkers(t *testing.T) {
	ctrl := gomock.NewController(t)
	started := []*mocks.MockWorker{mocks.NewMockWorker(ctrl), nil, mocks.NewMockWorker(ctrl)}
	started[0].EXPECT().Close().Return(nil).Times(1)
	started[2].EXPECT().Close().Return(nil).Times(1)

	factory := func(_ context.Context, slot int) (worker.Worker, error) {
		if slot == 1 {
			return nil, errors.New("no process")
		}
		return started[slot], nil
	}

	_, err := New(context.Background(), 3, factory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start worker 1")
}

func TestAcquireRelease(t *testing.T) {
	hub := events.NewHub(16)
	p := newPool(t, 2, WithEvents(hub))
	assert.Len(t, hub.SnapshotSince(0), 2, "one started event per worker")

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, a.Worker().ID(), b.Worker().ID())
	assert.NotEqual(t, a.Slot(), b.Slot())

	s := p.Stats()
	assert.Equal(t, Stats{Size: 2, Leased: 2}, s)

	a.Release()
	b.Release()
	s = p.Stats()
	assert.Equal(t, 2, s.Idle)
	assert.Zero(t, s.Leased)
}

func TestAcquire_WaitersServedInArrivalOrder(t *testing.T) {
	p := newPool(t, 1)
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := p.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			order <- i
			lease.Release()
		}(i)
		require.Eventually(t, func() bool { return p.Stats().Waiting == i+1 }, time.Second, time.Millisecond)
	}

	held.Release()
	wg.Wait()
	close(order)

	var got []int
	for i := range order {
		got = append(got, i)
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestAcquire_AtMostSizeOutstanding(t *testing.T) {
	const size = 3
	p := newPool(t, size)

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
			lease.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(size))
	s := p.Stats()
	assert.Equal(t, size, s.Idle)
	assert.Zero(t, s.Leased)
	assert.Zero(t, s.Waiting)
}

func TestAcquire_Timeout(t *testing.T) {
	p := newPool(t, 1, WithAcquireTimeout(30*time.Millisecond))
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, p.Stats().Waiting)
}

func TestAcquire_Cancelled(t *testing.T) {
	p := newPool(t, 1)
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAcquireTimeout)

	held.Release()
	assert.Equal(t, 1, p.Stats().Idle, "an abandoned wait must not strand the worker")
}

func TestRelease_Twice(t *testing.T) {
	p := newPool(t, 1)
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	lease.Release()
	lease.Release()
	p.Release(nil)

	s := p.Stats()
	assert.Equal(t, 1, s.Idle)
	assert.Zero(t, s.Leased)

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "the slot must not be handed out twice")
	a.Release()
}

func TestRegisterJob_Broadcast(t *testing.T) {
	hub := events.NewHub(16)
	p := newPool(t, 3, WithEvents(hub))
	require.NoError(t, p.RegisterJob(1, increment))
	assert.Equal(t, 1, p.Stats().Jobs)

	leases := make([]*Lease, 3)
	for i := range leases {
		lease, err := p.Acquire(context.Background())
		require.NoError(t, err)
		leases[i] = lease
		out, err := lease.Worker().Run(1, json.RawMessage(`41`))
		require.NoError(t, err)
		assert.JSONEq(t, `42`, string(out))
	}
	for _, l := range leases {
		l.Release()
	}

	var registered int
	for _, ev := range hub.SnapshotSince(0) {
		if ev.Type == events.JobRegistered {
			registered++
		}
	}
	assert.Equal(t, 1, registered)
}

func TestRegisterJob_BroadcastsConcurrently(t *testing.T) {
	const size = 3
	ctrl := gomock.NewController(t)

	// Every RegisterJob blocks until all of them have started, so a
	// broadcast that waits on one worker before asking the next fails.
	var arrived sync.WaitGroup
	arrived.Add(size)
	allIn := make(chan struct{})
	go func() {
		arrived.Wait()
		close(allIn)
	}()

	ws := make([]*mocks.MockWorker, size)
	for i := range ws {
		ws[i] = mocks.NewMockWorker(ctrl)
		ws[i].EXPECT().ID().Return(fmt.Sprintf("w%d", i)).AnyTimes()
		ws[i].EXPECT().Healthy().Return(true).AnyTimes()
		ws[i].EXPECT().Close().Return(nil).AnyTimes()
		ws[i].EXPECT().RegisterJob(int64(7), gomock.Any()).DoAndReturn(func(int64, capability.Callable) error {
			arrived.Done()
			select {
			case <-allIn:
				return nil
			case <-time.After(2 * time.Second):
				return errors.New("registration was not sent to every worker at once")
			}
		})
	}

	p, err := New(context.Background(), size, func(_ context.Context, slot int) (worker.Worker, error) {
		return ws[slot], nil
	})
	require.NoError(t, err)
	defer p.Close(context.Background())

	require.NoError(t, p.RegisterJob(7, increment))
	assert.Equal(t, 1, p.Stats().Jobs)
}

func TestRegisterJob_ReachesLeasedWorkers(t *testing.T) {
	p := newPool(t, 1)
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	require.NoError(t, p.RegisterJob(2, increment))
	out, err := lease.Worker().Run(2, json.RawMessage(`1`))
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(out))
}

func TestRegisterJob_AggregatesFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	errRefused := errors.New("refused")

	ws := make([]*mocks.MockWorker, 3)
	for i := range ws {
		ws[i] = mocks.NewMockWorker(ctrl)
		ws[i].EXPECT().ID().Return([]string{"w0", "w1", "w2"}[i]).AnyTimes()
		ws[i].EXPECT().Healthy().Return(true).AnyTimes()
		ws[i].EXPECT().Close().Return(nil).AnyTimes()
	}
	ws[0].EXPECT().RegisterJob(int64(9), gomock.Any()).Return(nil)
	ws[1].EXPECT().RegisterJob(int64(9), gomock.Any()).Return(errRefused)
	ws[2].EXPECT().RegisterJob(int64(9), gomock.Any()).Return(&capability.UnsupportedCallableError{Name: "increment"})

	p, err := New(context.Background(), 3, func(_ context.Context, slot int) (worker.Worker, error) {
		return ws[slot], nil
	})
	require.NoError(t, err)
	defer p.Close(context.Background())

	err = p.RegisterJob(9, increment)
	var regErr *RegistrationError
	require.True(t, errors.As(err, &regErr))
	assert.Equal(t, int64(9), regErr.JobID)
	assert.Equal(t, 3, regErr.Total)
	require.Len(t, regErr.Failures, 2)
	assert.ElementsMatch(t, []int{1, 2}, []int{regErr.Failures[0].Slot, regErr.Failures[1].Slot})
	assert.ErrorIs(t, err, errRefused)
	assert.ErrorIs(t, err, capability.ErrUnsupportedCallable)
	assert.Contains(t, err.Error(), "w1")
	assert.Contains(t, err.Error(), "w2")
	assert.Zero(t, p.Stats().Jobs, "a failed job is forgotten")
}

func TestRegisterJob_SkipsBrokenWorkers(t *testing.T) {
	ctrl := gomock.NewController(t)
	broken := mocks.NewMockWorker(ctrl)
	broken.EXPECT().ID().Return("broken").AnyTimes()
	broken.EXPECT().Healthy().Return(true).AnyTimes()
	broken.EXPECT().Close().Return(nil).AnyTimes()
	broken.EXPECT().RegisterJob(int64(4), gomock.Any()).Return(worker.ErrChannelBroken)

	p, err := New(context.Background(), 1, func(context.Context, int) (worker.Worker, error) {
		return broken, nil
	})
	require.NoError(t, err)
	defer p.Close(context.Background())

	assert.NoError(t, p.RegisterJob(4, increment))
	assert.Equal(t, 1, p.Stats().Jobs)
}

func TestRelease_ReplacesUnhealthyWorker(t *testing.T) {
	f := &flakyFactory{}
	hub := events.NewHub(32)
	p, err := New(context.Background(), 1, f.New, WithEvents(hub))
	require.NoError(t, err)
	defer p.Close(context.Background())
	require.NoError(t, p.RegisterJob(1, increment))

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := lease.Worker().(*flakyWorker)
	first.broken.Store(true)
	lease.Release()

	next, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer next.Release()

	assert.NotEqual(t, first.ID(), next.Worker().ID())
	assert.True(t, first.closed.Load())
	out, err := next.Worker().Run(1, json.RawMessage(`1`))
	require.NoError(t, err, "registered jobs are replayed on the replacement")
	assert.JSONEq(t, `2`, string(out))
	assert.Equal(t, int64(1), p.Stats().Replacements)

	var replaced bool
	for _, ev := range hub.SnapshotSince(0) {
		replaced = replaced || ev.Type == events.WorkerReplaced
	}
	assert.True(t, replaced)
}

func TestAcquire_ReplacesUnhealthyIdleWorker(t *testing.T) {
	f := &flakyFactory{}
	p, err := New(context.Background(), 2, f.New, WithReplaceBackoff(time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)
	defer p.Close(context.Background())

	f.mu.Lock()
	for _, w := range f.created {
		w.broken.Store(true)
	}
	f.mu.Unlock()
	f.fail.Store(2)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	assert.True(t, lease.Worker().Healthy())
	require.Eventually(t, func() bool { return p.Stats().Replacements == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 4, f.count(), "two originals and two replacements")
}

func TestClose(t *testing.T) {
	p := newPool(t, 1)
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- p.Close(context.Background()) }()

	assert.ErrorIs(t, <-waitErr, ErrPoolClosed)
	select {
	case <-closed:
		t.Fatal("Close returned while a lease was outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	held.Release()
	require.NoError(t, <-closed)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.ErrorIs(t, p.RegisterJob(1, increment), ErrPoolClosed)
	assert.True(t, p.Stats().Closed)
	assert.NoError(t, p.Close(context.Background()))
}

func TestClose_Timeout(t *testing.T) {
	p, err := New(context.Background(), 1, worker.InProcessFactory())
	require.NoError(t, err)
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
	held.Release()
}

func TestClose_TimeoutClosesLateRelease(t *testing.T) {
	f := &flakyFactory{}
	p, err := New(context.Background(), 1, f.New)
	require.NoError(t, err)
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
	assert.False(t, f.created[0].closed.Load(), "a leased worker keeps running")

	held.Release()
	assert.True(t, f.created[0].closed.Load())
	assert.Zero(t, p.Stats().Idle)
	assert.NoError(t, p.Close(context.Background()))
}

func TestClose_TimeoutClosesLateReplacement(t *testing.T) {
	first := &flakyWorker{InProcess: worker.NewInProcess()}
	second := &flakyWorker{InProcess: worker.NewInProcess()}
	gate := make(chan struct{})
	var calls atomic.Int32
	factory := func(context.Context, int) (worker.Worker, error) {
		if calls.Add(1) == 1 {
			return first, nil
		}
		<-gate
		return second, nil
	}

	p, err := New(context.Background(), 1, factory)
	require.NoError(t, err)
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first.broken.Store(true)
	lease.Release()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)

	close(gate)
	require.Eventually(t, second.closed.Load, time.Second, time.Millisecond)
	assert.True(t, first.closed.Load())
	assert.Zero(t, p.Stats().Idle)
}

func TestCheck(t *testing.T) {
	p := newPool(t, 2)
	require.NoError(t, p.RegisterJob(1, increment))

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	statuses := p.Check()
	require.Len(t, statuses, 2)
	for _, st := range statuses {
		assert.True(t, st.Healthy)
		assert.NotEmpty(t, st.WorkerID)
		if st.Slot == lease.Slot() {
			assert.Equal(t, "leased", st.State)
			assert.Nil(t, st.Jobs)
			continue
		}
		assert.Equal(t, "idle", st.State)
		require.NotNil(t, st.Jobs)
		assert.Equal(t, 1, *st.Jobs)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := exponential{initial: 10 * time.Millisecond, max: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, b.delay(1))
	assert.Equal(t, 20*time.Millisecond, b.delay(2))
	assert.Equal(t, 40*time.Millisecond, b.delay(3))
	assert.Equal(t, 50*time.Millisecond, b.delay(4))
	assert.Equal(t, 50*time.Millisecond, b.delay(30))
}

func TestDefaultSize(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultSize(), 1)
}
