package pool

import (
	"log/slog"
	"time"

	"github.com/mattjoyce/offload/internal/events"
)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithEvents publishes worker and registration events to pub.
func WithEvents(pub events.Publisher) Option {
	return func(p *Pool) { p.events = pub }
}

// WithAcquireTimeout bounds how long Acquire waits for a free worker.
// Zero waits until the caller's context ends.
func WithAcquireTimeout(d time.Duration) Option {
	return func(p *Pool) { p.acquireTimeout = d }
}

// WithReplaceBackoff sets the delay between failed attempts to replace a
// broken worker.
func WithReplaceBackoff(initial, maxDelay time.Duration) Option {
	return func(p *Pool) { p.backoff = exponential{initial: initial, max: maxDelay} }
}
