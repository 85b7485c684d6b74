package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/offload/internal/capability"
	"github.com/mattjoyce/offload/internal/log"
	"github.com/mattjoyce/offload/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr retained from a worker process.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ProcessSpec describes how to start a worker process.
type ProcessSpec struct {
	Path string
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	// Codec names the wire codec; both sides must agree.
	Codec string
	// CommandTimeout bounds a single command. Zero means no limit.
	CommandTimeout time.Duration
	// Fingerprint is the dispatcher's capability table fingerprint. When set,
	// the process must report the same fingerprint at startup.
	Fingerprint string
}

// Process is a worker backed by a long-lived child process.
type Process struct {
	id     string
	spec   ProcessSpec
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	conn   *protocol.Conn
	stderr *cappedBuffer

	mu     sync.Mutex // one outstanding command
	broken atomic.Bool

	exited    chan struct{}
	waitErr   error
	closeOnce sync.Once
}

// ProcessFactory builds process workers from spec.
func ProcessFactory(spec ProcessSpec) Factory {
	return func(ctx context.Context, slot int) (Worker, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return StartProcess(spec, slot)
	}
}

// StartProcess spawns the worker process and checks that it answers a health
// command with a matching capability table.
func StartProcess(spec ProcessSpec, slot int) (*Process, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("worker process path is empty")
	}
	codec, err := protocol.GetCodec(spec.Codec)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	p := &Process{
		id:     id,
		spec:   spec,
		logger: log.WithWorker(slot, id),
		stderr: &cappedBuffer{limit: maxStderrBytes},
		exited: make(chan struct{}),
	}

	// Don't use CommandContext - we manage termination ourselves.
	p.cmd = exec.Command(spec.Path, spec.Args...)
	p.cmd.Env = append(os.Environ(), spec.Env...)
	p.cmd.Stderr = p.stderr

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	p.stdin = stdin
	p.conn = protocol.NewConn(codec, stdout, stdin)

	p.logger.Debug("spawning worker process", "path", spec.Path, "args", spec.Args, "codec", codec.Name())
	if err := p.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}
	go func() {
		p.waitErr = p.cmd.Wait()
		close(p.exited)
	}()

	report, err := p.Health()
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("worker process handshake: %w (stderr: %q)", err, p.Stderr())
	}
	if spec.Fingerprint != "" && report.Fingerprint != spec.Fingerprint {
		_ = p.Close()
		return nil, fmt.Errorf("worker process capability table %s does not match dispatcher %s",
			short(report.Fingerprint), short(spec.Fingerprint))
	}
	p.logger.Info("worker process started", "pid", p.cmd.Process.Pid)
	return p, nil
}

type exchange struct {
	resp *protocol.Response
	err  error
}

// call sends req and waits for its response, enforcing the command timeout.
func (p *Process) call(req *protocol.Request) (*protocol.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.broken.Load() {
		return nil, fmt.Errorf("%w: worker %s", ErrChannelBroken, p.id)
	}

	done := make(chan exchange, 1)
	go func() {
		if err := p.conn.WriteRequest(req); err != nil {
			done <- exchange{err: err}
			return
		}
		resp, err := p.conn.ReadResponse()
		done <- exchange{resp: resp, err: err}
	}()

	var timeout <-chan time.Time
	if p.spec.CommandTimeout > 0 {
		timer := time.NewTimer(p.spec.CommandTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ex := <-done:
		if ex.err != nil {
			p.markBroken("channel failed", ex.err)
			p.terminate()
			return nil, fmt.Errorf("%w: worker %s: %v", ErrChannelBroken, p.id, ex.err)
		}
		return ex.resp, nil
	case <-timeout:
		p.markBroken("command timed out", context.DeadlineExceeded)
		p.terminate()
		return nil, fmt.Errorf("%w: worker %s: %s command timed out after %v",
			ErrChannelBroken, p.id, req.Type, p.spec.CommandTimeout)
	}
}

func (p *Process) markBroken(reason string, err error) {
	if p.broken.CompareAndSwap(false, true) {
		p.logger.Warn("worker process broken", "reason", reason, "error", err, "stderr", p.Stderr())
	}
}

// terminate stops the process: SIGTERM, then SIGKILL after the grace period.
func (p *Process) terminate() {
	select {
	case <-p.exited:
		return
	default:
	}
	if p.cmd.Process == nil {
		return
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Debug("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()
	select {
	case <-p.exited:
	case <-grace.C:
		p.logger.Warn("worker process did not exit after SIGTERM, sending SIGKILL")
		if err := p.cmd.Process.Kill(); err != nil {
			p.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-p.exited
	}
}

func (p *Process) ID() string { return p.id }

func (p *Process) RegisterJob(jobID int64, c capability.Callable) error {
	if err := c.Validate(true); err != nil {
		return err
	}
	payload, err := encodeRef(c, p.spec.Fingerprint)
	if err != nil {
		return err
	}
	resp, err := p.call(protocol.NewRequest(protocol.CommandRegister, jobID, payload))
	if err != nil {
		return err
	}
	if resp.Failed() {
		return responseError(p.id, jobID, c.Name, resp)
	}
	return nil
}

func (p *Process) Run(jobID int64, args json.RawMessage) (json.RawMessage, error) {
	resp, err := p.call(protocol.NewRequest(protocol.CommandProcess, jobID, args))
	if err != nil {
		return nil, err
	}
	if resp.Failed() {
		return nil, responseError(p.id, jobID, "", resp)
	}
	return resp.Value, nil
}

func (p *Process) Health() (HealthReport, error) {
	resp, err := p.call(protocol.NewRequest(protocol.CommandHealth, 0, nil))
	if err != nil {
		return HealthReport{}, err
	}
	return decodeHealth(p.id, resp)
}

// Healthy reports false once the channel broke or the process exited.
func (p *Process) Healthy() bool {
	if p.broken.Load() {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Close closes the process's stdin so the host exits cleanly, falling back to
// terminate if it does not.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		p.broken.Store(true)
		_ = p.stdin.Close()

		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()
		select {
		case <-p.exited:
		case <-grace.C:
			p.terminate()
		}
		var exitErr *exec.ExitError
		if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) {
			p.logger.Debug("worker process wait", "error", p.waitErr)
		}
	})
	return nil
}

// Stderr returns the captured stderr of the process, capped at 64KB.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(data) > room {
			b.buf.Write(data[:room])
		} else {
			b.buf.Write(data)
		}
	}
	return len(data), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
