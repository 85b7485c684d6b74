package api

import (
	"encoding/json"

	"github.com/mattjoyce/offload/internal/pool"
	"github.com/mattjoyce/offload/internal/scheduler"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workers       int    `json:"workers"`
	Healthy       int    `json:"healthy"`
}

// PoolResponse is returned by GET /pool.
type PoolResponse struct {
	Isolation string              `json:"isolation"`
	Stats     pool.Stats          `json:"stats"`
	Dispatch  scheduler.Stats     `json:"dispatch"`
	Workers   []pool.WorkerStatus `json:"workers"`
}

// CapabilitiesResponse is returned by GET /capabilities.
type CapabilitiesResponse struct {
	Fingerprint  string   `json:"fingerprint"`
	Capabilities []string `json:"capabilities"`
}

// DispatchResponse is returned by POST /dispatch/{capability}.
type DispatchResponse struct {
	Capability string          `json:"capability"`
	JobID      int64           `json:"job_id"`
	Result     json.RawMessage `json:"result"`
	DurationMS int64           `json:"duration_ms"`
}
