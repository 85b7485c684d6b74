package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/offload/internal/api"
	"github.com/mattjoyce/offload/internal/builtin"
	"github.com/mattjoyce/offload/internal/capability"
	"github.com/mattjoyce/offload/internal/config"
	"github.com/mattjoyce/offload/internal/doctor"
	"github.com/mattjoyce/offload/internal/events"
	"github.com/mattjoyce/offload/internal/job"
	"github.com/mattjoyce/offload/internal/lock"
	"github.com/mattjoyce/offload/internal/log"
	"github.com/mattjoyce/offload/internal/pool"
	"github.com/mattjoyce/offload/internal/protocol"
	"github.com/mattjoyce/offload/internal/scheduler"
	"github.com/mattjoyce/offload/internal/tui"
	"github.com/mattjoyce/offload/internal/worker"
)

// shutdownTimeout bounds how long serve waits for leased workers on exit.
const shutdownTimeout = 30 * time.Second

// buildPool starts the pool described by cfg. It returns the isolation mode
// actually used.
func buildPool(ctx context.Context, cfg *config.Config, table *capability.Table, pub events.Publisher) (*pool.Pool, string, error) {
	self, err := os.Executable()
	isolation := cfg.Pool.EffectiveIsolation(err == nil)

	var factory worker.Factory
	switch isolation {
	case config.IsolationProcess:
		argv := cfg.Pool.ResolveWorkerCommand(self)
		factory = worker.ProcessFactory(worker.ProcessSpec{
			Path:           argv[0],
			Args:           argv[1:],
			Codec:          cfg.Pool.Codec,
			CommandTimeout: cfg.Pool.CommandTimeout,
			Fingerprint:    table.Fingerprint(),
		})
	case config.IsolationGoroutine:
		factory = worker.IsolatedFactory(table)
	case config.IsolationInProcess:
		factory = worker.InProcessFactory()
	default:
		return nil, "", fmt.Errorf("unknown isolation %q", isolation)
	}

	p, err := pool.New(ctx, cfg.Pool.EffectiveSize(pool.DefaultSize()), factory,
		pool.WithLogger(log.WithComponent("pool")),
		pool.WithEvents(pub),
		pool.WithAcquireTimeout(cfg.Pool.AcquireTimeout),
	)
	if err != nil {
		return nil, "", err
	}
	return p, isolation, nil
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupWriter(os.Stdout, cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("offload starting", "version", version, "config", cfg.SourcePath, "config_digest", cfg.Digest)

	table := builtin.Table()
	self, _ := os.Executable()
	report := doctor.New(cfg, table, self).Validate()
	for _, w := range report.Warnings {
		logger.Warn("config warning", "field", w.Field, "message", w.Message)
	}
	if !report.Valid {
		for _, e := range report.Errors {
			logger.Error("config error", "field", e.Field, "message", e.Message)
		}
		return 1
	}

	if cfg.Service.PIDFile != "" {
		pidLock, err := lock.Acquire(cfg.Service.PIDFile)
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.PIDFile, "error", err)
			return 1
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub(256)
	p, isolation, err := buildPool(ctx, cfg, table, hub)
	if err != nil {
		logger.Error("failed to start worker pool", "error", err)
		return 1
	}
	logger.Info("worker pool started", "size", p.Size(), "isolation", isolation, "capabilities", table.Len())

	sched := scheduler.New(p, hub, log.Get())

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:    cfg.API.Listen,
			APIKey:    cfg.API.APIKey,
			Isolation: isolation,
		}, p, sched, table, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("offload running (press Ctrl+C to stop)")

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		stop()
		code = 1
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.Close(closeCtx); err != nil {
		logger.Error("worker pool did not close cleanly", "error", err)
		code = 1
	}

	logger.Info("offload stopped")
	return code
}

func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	codecName := fs.String("codec", protocol.CodecNameJSON, "Wire codec (json or msgpack)")
	level := fs.String("log-level", "info", "Log level for stderr output")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	codec, err := protocol.GetCodec(*codecName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid codec: %v\n", err)
		return 1
	}

	// stdout carries the protocol.
	log.SetupWriter(os.Stderr, *level, "json")

	// The parent closes stdin to stop the worker; a terminal interrupt goes
	// to the parent's whole process group.
	signal.Ignore(os.Interrupt)

	host := worker.NewHost(builtin.Table(), log.WithComponent("worker"))
	if err := host.Serve(protocol.NewConn(codec, os.Stdin, os.Stdout)); err != nil {
		log.Error("worker host failed", "error", err)
		return 1
	}
	return 0
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	isolation := fs.String("isolation", "", "Override pool isolation (process, goroutine, inprocess, auto)")
	timeout := fs.Duration("timeout", 0, "Give up after this long (0 waits forever)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		printRunHelp()
		return 1
	}
	name := fs.Arg(0)

	input, err := readRunArgs(fs.Arg(1), os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid arguments: %v\n", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *isolation != "" {
		cfg.Pool.Isolation = *isolation
	}
	if cfg.Pool.Size == 0 {
		cfg.Pool.Size = 1
	}

	// stdout carries the result.
	log.SetupWriter(os.Stderr, "warn", cfg.Service.LogFormat)

	table := builtin.Table()
	if _, ok := table.Get(name); !ok {
		fmt.Fprintf(os.Stderr, "Unknown capability: %s (available: %s)\n", name, strings.Join(table.Names(), ", "))
		return 1
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	p, _, err := buildPool(ctx, cfg, table, events.Nop{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start worker pool: %v\n", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = p.Close(closeCtx)
	}()

	sched := scheduler.New(p, events.Nop{}, log.Get())
	j, err := job.FromTable[json.RawMessage, json.RawMessage](sched, table, name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	out, err := j.Dispatch(ctx, input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", name, err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}

// readRunArgs returns the JSON arguments for run: the literal, stdin for
// "-", or null when absent.
func readRunArgs(arg string, stdin io.Reader) (json.RawMessage, error) {
	var raw []byte
	switch arg {
	case "":
		return json.RawMessage("null"), nil
	case "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	default:
		raw = []byte(arg)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("not valid JSON: %q", strings.TrimSpace(string(raw)))
	}
	return json.RawMessage(raw), nil
}

func runCapabilities(args []string) int {
	fs := flag.NewFlagSet("capabilities", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	table := builtin.Table()
	if *jsonOut {
		data, err := json.MarshalIndent(api.CapabilitiesResponse{
			Fingerprint:  table.Fingerprint(),
			Capabilities: table.Names(),
		}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	for _, name := range table.Names() {
		fmt.Println(name)
	}
	fmt.Printf("fingerprint: %s\n", table.Fingerprint())
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8088", "API URL")
	apiKey := fs.String("api-key", os.Getenv("OFFLOAD_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := tui.NewMonitor(*apiURL, *apiKey)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
