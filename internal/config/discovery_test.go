package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverConfigPathFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	writeTestFile(t, path, "pool:\n  size: 2\n")
	t.Setenv(EnvConfigPath, path)

	got, err := DiscoverConfigPath()
	if err != nil {
		t.Fatalf("DiscoverConfigPath() failed: %v", err)
	}
	if got != path {
		t.Errorf("DiscoverConfigPath() = %q, want %q", got, path)
	}

	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault() failed: %v", err)
	}
	if cfg.Pool.Size != 2 {
		t.Errorf("pool.size = %d, want 2", cfg.Pool.Size)
	}
}

func TestDiscoverConfigPathEnvMissing(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := DiscoverConfigPath(); !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("DiscoverConfigPath() error = %v, want ErrConfigNotFound", err)
	}
	if _, err := LoadOrDefault(""); err == nil {
		t.Fatal("LoadOrDefault() should fail when OFFLOAD_CONFIG is wrong")
	}
}

func TestDiscoverConfigPathSearch(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvConfigPath, "")

	work := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(work); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	if fileExists("/etc/offload/config.yaml") {
		t.Skip("system config present")
	}

	if _, err := DiscoverConfigPath(); !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("DiscoverConfigPath() error = %v, want ErrConfigNotFound", err)
	}
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault() failed: %v", err)
	}
	if cfg.SourcePath != "" {
		t.Errorf("defaults should have no source, got %q", cfg.SourcePath)
	}

	writeTestFile(t, filepath.Join(work, "offload.yaml"), "service:\n  name: local\n")
	got, err := DiscoverConfigPath()
	if err != nil || got != "offload.yaml" {
		t.Fatalf("DiscoverConfigPath() = %q, %v; want offload.yaml", got, err)
	}

	userPath := filepath.Join(home, ".config", "offload", "config.yaml")
	writeTestFile(t, userPath, "service:\n  name: user\n")
	got, err = DiscoverConfigPath()
	if err != nil || got != userPath {
		t.Fatalf("DiscoverConfigPath() = %q, %v; want %q", got, err, userPath)
	}
}
