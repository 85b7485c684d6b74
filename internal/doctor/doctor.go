// Package doctor validates an offload configuration before it is served.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strings"

	"github.com/mattjoyce/offload/internal/capability"
	"github.com/mattjoyce/offload/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a loaded config against the capabilities this binary serves.
type Doctor struct {
	cfg   *config.Config
	table *capability.Table
	self  string
}

// New creates a Doctor. self is the path process workers re-execute when no
// worker_command is configured.
func New(cfg *config.Config, table *capability.Table, self string) *Doctor {
	return &Doctor{cfg: cfg, table: table, self: self}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateCapabilities(r)
	d.validatePool(r)
	d.validateAPI(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateCapabilities(r *Result) {
	if d.table == nil || d.table.Len() == 0 {
		d.addError(r, "capabilities", "", "no capabilities are registered")
	}
}

func (d *Doctor) validatePool(r *Result) {
	p := d.cfg.Pool

	if limit := 4 * runtime.NumCPU(); p.Size > limit {
		d.addWarning(r, "pool", "pool.size",
			fmt.Sprintf("%d workers exceeds 4x the %d available CPUs", p.Size, runtime.NumCPU()))
	}
	if p.AcquireTimeout == 0 {
		d.addWarning(r, "pool", "pool.acquire_timeout", "dispatch waits indefinitely for a free worker")
	}

	if p.EffectiveIsolation(d.self != "") != config.IsolationProcess {
		if len(p.WorkerCommand) > 0 {
			d.addWarning(r, "pool", "pool.worker_command",
				fmt.Sprintf("worker_command is ignored with %s isolation", p.Isolation))
		}
		return
	}

	if p.CommandTimeout == 0 {
		d.addWarning(r, "pool", "pool.command_timeout", "a hung worker process is never terminated")
	}
	argv := p.ResolveWorkerCommand(d.self)
	if len(argv) == 0 || argv[0] == "" {
		d.addError(r, "pool", "pool.worker_command", "no worker command can be resolved")
		return
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		d.addError(r, "pool", "pool.worker_command",
			fmt.Sprintf("worker executable %q: %v", argv[0], err))
	}
}

func (d *Doctor) validateAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if d.cfg.API.APIKey != "" {
		return
	}
	if isLoopback(host) {
		d.addWarning(r, "api", "api.api_key", "API enabled without authentication")
		return
	}
	d.addError(r, "api", "api.api_key",
		fmt.Sprintf("API listens on %s without authentication", d.cfg.API.Listen))
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
