package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/offload/internal/capability"
	"github.com/mattjoyce/offload/internal/log"
	"github.com/mattjoyce/offload/internal/protocol"
)

// Isolated runs a Host on its own goroutine. Callables execute there, never on
// the caller's goroutine, and only protocol values cross between the two.
type Isolated struct {
	id          string
	fingerprint string

	mu       sync.Mutex // one outstanding command
	requests chan *protocol.Request
	reply    chan *protocol.Response // single pending-response slot

	done      chan struct{}
	closeOnce sync.Once
}

// NewIsolated starts an isolated worker serving callables from table.
func NewIsolated(table *capability.Table) *Isolated {
	w := &Isolated{
		id:          uuid.NewString(),
		fingerprint: table.Fingerprint(),
		requests:    make(chan *protocol.Request),
		reply:       make(chan *protocol.Response, 1),
		done:        make(chan struct{}),
	}
	host := NewHost(table, log.WithComponent("isolated").With("worker_id", w.id))
	go w.loop(host)
	return w
}

// IsolatedFactory builds goroutine-isolated workers over table.
func IsolatedFactory(table *capability.Table) Factory {
	return func(_ context.Context, _ int) (Worker, error) {
		return NewIsolated(table), nil
	}
}

func (w *Isolated) loop(host *Host) {
	for {
		select {
		case req := <-w.requests:
			w.reply <- host.Handle(req)
		case <-w.done:
			return
		}
	}
}

func (w *Isolated) call(req *protocol.Request) (*protocol.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case w.requests <- req:
	case <-w.done:
		return nil, fmt.Errorf("%w: worker %s is closed", ErrChannelBroken, w.id)
	}
	return <-w.reply, nil
}

func (w *Isolated) ID() string { return w.id }

func (w *Isolated) RegisterJob(jobID int64, c capability.Callable) error {
	if err := c.Validate(true); err != nil {
		return err
	}
	payload, err := encodeRef(c, w.fingerprint)
	if err != nil {
		return err
	}
	resp, err := w.call(protocol.NewRequest(protocol.CommandRegister, jobID, payload))
	if err != nil {
		return err
	}
	if resp.Failed() {
		return responseError(w.id, jobID, c.Name, resp)
	}
	return nil
}

func (w *Isolated) Run(jobID int64, args json.RawMessage) (json.RawMessage, error) {
	resp, err := w.call(protocol.NewRequest(protocol.CommandProcess, jobID, args))
	if err != nil {
		return nil, err
	}
	if resp.Failed() {
		return nil, responseError(w.id, jobID, "", resp)
	}
	return resp.Value, nil
}

func (w *Isolated) Health() (HealthReport, error) {
	resp, err := w.call(protocol.NewRequest(protocol.CommandHealth, 0, nil))
	if err != nil {
		return HealthReport{}, err
	}
	return decodeHealth(w.id, resp)
}

func (w *Isolated) Healthy() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Close stops the host goroutine once any in-flight command has settled.
func (w *Isolated) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		close(w.done)
		w.mu.Unlock()
	})
	return nil
}

func decodeHealth(workerID string, resp *protocol.Response) (HealthReport, error) {
	if resp.Failed() {
		return HealthReport{}, responseError(workerID, 0, "", resp)
	}
	var report HealthReport
	if err := json.Unmarshal(resp.Value, &report); err != nil {
		return HealthReport{}, fmt.Errorf("decode health report from worker %s: %w", workerID, err)
	}
	return report, nil
}
