package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/offload/internal/capability"
	"github.com/mattjoyce/offload/internal/job"
	"github.com/mattjoyce/offload/internal/pool"
	"github.com/mattjoyce/offload/internal/worker"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Workers:       stats.Size,
		Healthy:       stats.Size - stats.Replacing,
	}
	status := http.StatusOK
	if stats.Closed {
		resp.Status = "closed"
		status = http.StatusServiceUnavailable
	} else if resp.Healthy < resp.Workers {
		resp.Status = "degraded"
	}
	respondJSON(w, status, resp)
}

// handlePool handles GET /pool.
func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, PoolResponse{
		Isolation: s.config.Isolation,
		Stats:     s.pool.Stats(),
		Dispatch:  s.runtime.Stats(),
		Workers:   s.pool.Check(),
	})
}

// handleCapabilities handles GET /capabilities.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, CapabilitiesResponse{
		Fingerprint:  s.table.Fingerprint(),
		Capabilities: s.table.Names(),
	})
}

// handleDispatch handles POST /dispatch/{capability}. The body is the
// capability's JSON argument; an optional ?timeout= bounds the whole call.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "capability")
	c, ok := s.table.Get(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown capability: "+name)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			s.writeError(w, http.StatusBadRequest, "failed to read request body")
		}
		return
	}
	if len(body) == 0 {
		body = []byte("null")
	}
	if !json.Valid(body) {
		s.writeError(w, http.StatusBadRequest, "request body must be a JSON document")
		return
	}

	ctx := r.Context()
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid timeout: "+v)
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	j := s.jobFor(c)
	start := time.Now()
	out, err := j.Dispatch(ctx, json.RawMessage(body))
	if err != nil {
		var regErr *pool.RegistrationError
		if errors.As(err, &regErr) {
			s.forget(name, j)
		}
		s.writeDispatchError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, DispatchResponse{
		Capability: name,
		JobID:      j.ID(),
		Result:     out,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// jobFor returns the job bound to c, registering it on first use.
func (s *Server) jobFor(c capability.Callable) *rawJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[c.Name]; ok {
		return j
	}
	j := job.New[json.RawMessage, json.RawMessage](s.runtime, c)
	s.jobs[c.Name] = j
	s.logger.Info("capability bound to job", "capability", c.Name, "job_id", j.ID())
	return j
}

// forget drops a job whose registration failed so the next request retries.
func (s *Server) forget(name string, j *rawJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[name] == j {
		delete(s.jobs, name)
	}
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var (
		execErr *worker.ExecutionError
		regErr  *pool.RegistrationError
	)
	switch {
	case errors.As(err, &execErr):
		respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: execErr.Message, Kind: "execution"})
	case errors.As(err, &regErr), errors.Is(err, capability.ErrUnsupportedCallable):
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Kind: "registration"})
	case errors.Is(err, pool.ErrAcquireTimeout), errors.Is(err, pool.ErrPoolClosed):
		respondJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Kind: "unavailable"})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondJSON(w, http.StatusGatewayTimeout, ErrorResponse{Error: err.Error(), Kind: "timeout"})
	default:
		s.logger.Error("dispatch failed", "error", err)
		respondJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error(), Kind: "worker"})
	}
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
