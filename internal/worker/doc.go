// Package worker implements the execution contexts leased out by the pool.
//
// A Worker accepts two commands: RegisterJob binds a callable to a job id,
// Run invokes a registered job with a JSON argument. Each worker executes one
// command at a time; concurrent callers queue on the worker's command lock.
//
// Variants:
//   - InProcess runs callables synchronously on the caller's goroutine.
//   - Isolated owns a Host on a dedicated goroutine and exchanges protocol
//     requests with it over channels.
//   - Process owns a child process (the same binary started in worker mode)
//     and speaks the protocol over its stdin/stdout.
//
// Isolated and Process workers only ever send a capability.Ref across the
// boundary; the Host resolves it against its own capability table.
//
// Broken channels:
//   - A Process whose command times out is terminated (SIGTERM, grace period, SIGKILL)
//   - Timeouts, EOF and undecodable responses mark the worker unhealthy
//   - Unhealthy workers return ErrChannelBroken; the pool replaces them
package worker
