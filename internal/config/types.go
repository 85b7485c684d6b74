package config

import "time"

// Isolation modes for pool workers.
const (
	IsolationProcess   = "process"
	IsolationGoroutine = "goroutine"
	IsolationInProcess = "inprocess"
	IsolationAuto      = "auto"
)

// Config represents the complete offload configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Pool    PoolConfig    `yaml:"pool"`
	API     APIConfig     `yaml:"api"`

	// SourcePath is the file the config was loaded from, empty for defaults.
	SourcePath string `yaml:"-"`
	// Digest is the BLAKE3 hash of the source file.
	Digest string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// PIDFile, when set, holds an exclusive lock for the life of "serve".
	PIDFile string `yaml:"pid_file,omitempty"`
}

// PoolConfig defines the worker pool.
type PoolConfig struct {
	// Size is the number of workers; 0 means one per CPU.
	Size      int    `yaml:"size"`
	Isolation string `yaml:"isolation"`
	Codec     string `yaml:"codec"`
	// AcquireTimeout bounds the wait for a free worker; 0 waits forever.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	// CommandTimeout bounds a single command on a process worker.
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// WorkerCommand overrides the command used to start process workers.
	WorkerCommand []string `yaml:"worker_command,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// APIKey is a bearer token required on every route but /healthz when set.
	APIKey string `yaml:"api_key"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "offload",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Pool: PoolConfig{
			Size:           0,
			Isolation:      IsolationProcess,
			Codec:          "json",
			CommandTimeout: 60 * time.Second,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8088",
		},
	}
}

// EffectiveSize returns the configured size, or fallback when unset.
func (p PoolConfig) EffectiveSize(fallback int) int {
	if p.Size > 0 {
		return p.Size
	}
	return fallback
}

// EffectiveIsolation resolves "auto": process workers when the binary can
// re-execute itself, goroutine workers otherwise.
func (p PoolConfig) EffectiveIsolation(canSpawn bool) string {
	if p.Isolation != IsolationAuto {
		return p.Isolation
	}
	if canSpawn {
		return IsolationProcess
	}
	return IsolationGoroutine
}

// ResolveWorkerCommand returns the command that starts a process worker:
// the configured one, or self in worker mode with the configured codec.
func (p PoolConfig) ResolveWorkerCommand(self string) []string {
	if len(p.WorkerCommand) > 0 {
		return p.WorkerCommand
	}
	return []string{self, "worker", "--codec", p.Codec}
}
