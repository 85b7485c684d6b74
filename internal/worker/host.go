package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mattjoyce/offload/internal/capability"
	"github.com/mattjoyce/offload/internal/protocol"
)

// Host is the isolated side of a worker: it owns a job registry resolved
// against a local capability table and answers protocol requests.
type Host struct {
	table       *capability.Table
	fingerprint string
	logger      *slog.Logger

	mu   sync.RWMutex
	jobs map[int64]capability.Callable
}

// NewHost creates a host serving callables from table.
func NewHost(table *capability.Table, logger *slog.Logger) *Host {
	return &Host{
		table:       table,
		fingerprint: table.Fingerprint(),
		logger:      logger,
		jobs:        make(map[int64]capability.Callable),
	}
}

// Handle executes one request and returns its response.
func (h *Host) Handle(req *protocol.Request) *protocol.Response {
	switch req.Type {
	case protocol.CommandRegister:
		return h.register(req)
	case protocol.CommandProcess:
		return h.process(req)
	case protocol.CommandHealth:
		return h.health()
	default:
		return protocol.Fail(protocol.KindProtocol, "unsupported command %q", req.Type)
	}
}

func (h *Host) register(req *protocol.Request) *protocol.Response {
	var ref capability.Ref
	if err := json.Unmarshal(req.Payload, &ref); err != nil {
		return protocol.Fail(protocol.KindUnsupported, "registration payload for job %d is not a capability reference: %v", req.JobID, err)
	}
	if ref.Name == "" {
		return protocol.Fail(protocol.KindUnsupported, "registration for job %d names no capability", req.JobID)
	}
	if ref.Fingerprint != "" && ref.Fingerprint != h.fingerprint {
		return protocol.Fail(protocol.KindRegistration,
			"capability table mismatch for %q: dispatcher %s, worker %s", ref.Name, short(ref.Fingerprint), short(h.fingerprint))
	}
	c, ok := h.table.Get(ref.Name)
	if !ok {
		return protocol.Fail(protocol.KindRegistration, "capability %q is not in this worker's table", ref.Name)
	}

	h.mu.Lock()
	h.jobs[req.JobID] = c
	h.mu.Unlock()

	h.logger.Debug("registered job", "job_id", req.JobID, "capability", ref.Name)
	return protocol.OK(nil)
}

func (h *Host) process(req *protocol.Request) *protocol.Response {
	h.mu.RLock()
	c, ok := h.jobs[req.JobID]
	h.mu.RUnlock()
	if !ok {
		return protocol.Fail(protocol.KindUnregistered, "job %d is not registered", req.JobID)
	}

	out, err := c.Invoke(req.Payload)
	if err != nil {
		h.logger.Debug("job failed", "job_id", req.JobID, "capability", c.Name, "error", err)
		return protocol.Fail(protocol.KindExecution, "%s", err.Error())
	}
	if len(out) == 0 {
		out = json.RawMessage("null")
	}
	return protocol.OK(out)
}

func (h *Host) health() *protocol.Response {
	h.mu.RLock()
	report := HealthReport{Jobs: len(h.jobs), Fingerprint: h.fingerprint}
	h.mu.RUnlock()

	b, err := json.Marshal(report)
	if err != nil {
		return protocol.Fail(protocol.KindExecution, "encode health report: %v", err)
	}
	return protocol.OK(b)
}

// Serve answers requests from conn until the peer closes the stream.
// A request that decodes but fails validation gets a protocol error reply;
// an undecodable stream ends the loop.
func (h *Host) Serve(conn *protocol.Conn) error {
	h.logger.Info("worker host serving", "capabilities", h.table.Len(), "fingerprint", short(h.fingerprint))
	for {
		req, err := conn.ReadRequest()
		if errors.Is(err, io.EOF) {
			h.logger.Info("worker host stream closed")
			return nil
		}
		var resp *protocol.Response
		switch {
		case err != nil && req == nil:
			return fmt.Errorf("read request: %w", err)
		case err != nil:
			resp = protocol.Fail(protocol.KindProtocol, "%s", err.Error())
		default:
			resp = h.Handle(req)
		}
		if err := conn.WriteResponse(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func short(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}
