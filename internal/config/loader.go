package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/offload/internal/protocol"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads a YAML config file over the defaults, expands ${VAR} references
// from the environment and validates the result.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or set OFFLOAD_CONFIG", absPath)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	cfg.Digest = Digest(data)
	return cfg, nil
}

// Parse decodes YAML config data over the defaults and validates it.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with the environment value. Unset variables
// are left in place for validate to report.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Service.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("service.log_level %q must be one of debug, info, warn, error", cfg.Service.LogLevel)
	}
	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format %q must be json or text", cfg.Service.LogFormat)
	}

	if cfg.Pool.Size < 0 {
		return fmt.Errorf("pool.size must not be negative")
	}
	switch cfg.Pool.Isolation {
	case IsolationProcess, IsolationGoroutine, IsolationInProcess, IsolationAuto:
	default:
		return fmt.Errorf("pool.isolation %q must be one of process, goroutine, inprocess, auto", cfg.Pool.Isolation)
	}
	if _, err := protocol.GetCodec(cfg.Pool.Codec); err != nil {
		return fmt.Errorf("pool.codec: %w", err)
	}
	if cfg.Pool.AcquireTimeout < 0 {
		return fmt.Errorf("pool.acquire_timeout must not be negative")
	}
	if cfg.Pool.CommandTimeout < 0 {
		return fmt.Errorf("pool.command_timeout must not be negative")
	}
	for _, arg := range cfg.Pool.WorkerCommand {
		if envVarPattern.MatchString(arg) {
			return fmt.Errorf("pool.worker_command references unset environment variable in %q", arg)
		}
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	if envVarPattern.MatchString(cfg.API.APIKey) {
		return fmt.Errorf("api.api_key references unset environment variable %s", cfg.API.APIKey)
	}
	return nil
}
