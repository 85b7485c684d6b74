package scheduler

import (
	"context"

	"github.com/mattjoyce/offload/internal/capability"
	"github.com/mattjoyce/offload/internal/pool"
)

//go:generate mockgen -destination=mocks/mock_pool.go -package=mocks github.com/mattjoyce/offload/internal/scheduler WorkerPool

// WorkerPool defines the pool operations used by the scheduler.
type WorkerPool interface {
	Acquire(ctx context.Context) (*pool.Lease, error)
	Release(lease *pool.Lease)
	RegisterJob(jobID int64, c capability.Callable) error
}
