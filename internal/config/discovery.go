package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable that points at the config file.
const EnvConfigPath = "OFFLOAD_CONFIG"

// ErrConfigNotFound is returned when no config file exists in any searched location.
var ErrConfigNotFound = errors.New("no config file found")

// SearchPaths returns the config file locations in priority order, excluding
// the environment override.
func SearchPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "offload", "config.yaml"))
	}
	return append(paths, "/etc/offload/config.yaml", "offload.yaml")
}

// DiscoverConfigPath returns the config file to load: $OFFLOAD_CONFIG when
// set, otherwise the first of SearchPaths that exists.
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		if !fileExists(p) {
			return "", fmt.Errorf("%s points at %s: %w", EnvConfigPath, p, ErrConfigNotFound)
		}
		return p, nil
	}
	for _, p := range SearchPaths() {
		if fileExists(p) {
			return p, nil
		}
	}
	return "", ErrConfigNotFound
}

// LoadOrDefault loads path, or the discovered config when path is empty.
// With nothing to load it returns the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		discovered, err := DiscoverConfigPath()
		switch {
		case errors.Is(err, ErrConfigNotFound) && os.Getenv(EnvConfigPath) == "":
			return Defaults(), nil
		case err != nil:
			return nil, err
		}
		path = discovered
	}
	return Load(path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
