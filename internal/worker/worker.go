package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattjoyce/offload/internal/capability"
	"github.com/mattjoyce/offload/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_worker.go -package=mocks github.com/mattjoyce/offload/internal/worker Worker

// Worker is one execution context owned by the pool.
type Worker interface {
	// ID returns the worker's unique identifier.
	ID() string
	// RegisterJob makes c invocable under jobID. Re-registering a job id replaces the binding.
	RegisterJob(jobID int64, c capability.Callable) error
	// Run invokes the callable registered under jobID and returns its JSON result.
	Run(jobID int64, args json.RawMessage) (json.RawMessage, error)
	// Healthy reports whether the worker can still accept commands.
	Healthy() bool
	// Close releases the worker's resources.
	Close() error
}

// HealthChecker is implemented by workers that can report on their registry.
type HealthChecker interface {
	Health() (HealthReport, error)
}

// HealthReport is the value of a health response.
type HealthReport struct {
	Jobs        int    `json:"jobs"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Factory creates the worker for a pool slot.
type Factory func(ctx context.Context, slot int) (Worker, error)

var (
	// ErrChannelBroken is returned once a worker's transport has failed.
	ErrChannelBroken = errors.New("worker channel broken")

	// ErrNotRegistered is returned by Run for a job id the worker never registered.
	ErrNotRegistered = errors.New("job not registered on worker")

	// ErrRejected is returned when a worker host refuses a registration.
	ErrRejected = errors.New("registration rejected")
)

// ExecutionError reports that a job's callable failed.
type ExecutionError struct {
	WorkerID string
	JobID    int64
	Message  string
	// Err is the callable's own error when it ran in-process.
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %d failed on worker %s: %s", e.JobID, e.WorkerID, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// responseError rebuilds a typed error from a failed response.
func responseError(workerID string, jobID int64, name string, resp *protocol.Response) error {
	switch resp.Kind {
	case protocol.KindExecution:
		return &ExecutionError{WorkerID: workerID, JobID: jobID, Message: resp.Error}
	case protocol.KindUnsupported:
		return &capability.UnsupportedCallableError{Name: name, Reason: resp.Error}
	case protocol.KindRegistration:
		return fmt.Errorf("%w by worker %s: %s", ErrRejected, workerID, resp.Error)
	case protocol.KindUnregistered:
		return fmt.Errorf("%w: job %d on worker %s", ErrNotRegistered, jobID, workerID)
	default:
		return fmt.Errorf("worker %s: %s error: %s", workerID, resp.Kind, resp.Error)
	}
}

func encodeRef(c capability.Callable, fingerprint string) (json.RawMessage, error) {
	b, err := json.Marshal(capability.Ref{Name: c.Name, Fingerprint: fingerprint})
	if err != nil {
		return nil, fmt.Errorf("encode registration: %w", err)
	}
	return b, nil
}
