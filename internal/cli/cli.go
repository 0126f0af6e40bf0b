// ============================================================================
// proctor-guard CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the supervisor, its worker processes and
//          the control client commands.
//
// Command Structure:
//   proctor                          # Root command
//   ├── run                          # Start permission gate, workers, control socket
//   │   └── --export-on-exit         # Write the violation export on shutdown
//   ├── worker --key <key>           # (hidden) one worker child process
//   ├── status [--json]              # Workers, permissions, active violations
//   ├── start [worker]               # Start one worker, or all that are down
//   ├── send <worker> <cmd> [k=v]    # Command to one worker
//   ├── broadcast <cmd> [k=v]        # Command to every running worker
//   ├── stop-worker <worker>         # Stop a worker without restart
//   ├── export [-o file]             # Fetch the export document and write it
//   └── permissions [--recheck]      # Permission table
//       ├── request <key>            # Ask the running gate to request consent
//       ├── grant <key>              # Record consent in the consent file
//       └── deny <key>
//
//   Persistent flags: --config/-c (default configs/default.yaml), --socket.
//
// run Command:
//   1. Load config and install the log handler
//   2. Build metrics, aggregator, permission gate, supervisor
//   3. Serve the control socket (and /metrics when enabled)
//   4. Wait for permissions, then start every worker
//   5. On SIGINT/SIGTERM stop all workers and exit
//
// Worker processes are the same binary re-executed as `proctor worker`.
// They speak the framed protocol on stdin/stdout and log JSON to stderr.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/proctor-guard/internal/aggregator"
	"github.com/ChuLiYu/proctor-guard/internal/config"
	"github.com/ChuLiYu/proctor-guard/internal/detection"
	"github.com/ChuLiYu/proctor-guard/internal/logging"
	"github.com/ChuLiYu/proctor-guard/internal/metrics"
	"github.com/ChuLiYu/proctor-guard/internal/permission"
	"github.com/ChuLiYu/proctor-guard/internal/server"
	"github.com/ChuLiYu/proctor-guard/internal/supervisor"
	"github.com/ChuLiYu/proctor-guard/internal/worker"
)

const defaultConfigFile = "configs/default.yaml"

var (
	configFile string
	socketPath string
)

var log = logging.Logger()

// BuildCLI constructs the root command.
func BuildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:           "proctor",
		Short:         "proctor-guard - exam integrity supervisor",
		Long:          "proctor-guard supervises a set of detection workers while an exam is in progress and records integrity violations.",
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "config file path")
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "control socket path (overrides server.socket_path)")

	root.AddCommand(
		buildRunCommand(),
		buildWorkerCommand(),
		buildStatusCommand(),
		buildStartCommand(),
		buildSendCommand(),
		buildBroadcastCommand(),
		buildStopWorkerCommand(),
		buildExportCommand(),
		buildPermissionsCommand(),
	)
	return root
}

// ============================================================================
// Configuration
// ============================================================================

// resolveConfigPath decides which file to load. The default path is
// optional; a path given explicitly must exist.
func resolveConfigPath(path string, explicit bool) (string, error) {
	if path == "" {
		return "", nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid config path: %w", err)
	}
	return abs, nil
}

// loadConfig returns the configuration and the absolute path it came from
// ("" when running on defaults).
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	explicit := false
	if f := cmd.Flag("config"); f != nil {
		explicit = f.Changed
	}
	path, err := resolveConfigPath(configFile, explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if socketPath != "" {
		cfg.Server.SocketPath = socketPath
	}
	return cfg, path, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var exportOnExit bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the supervisor and all detection workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			lvl, _ := config.ParseLevel(cfg.Log.Level)
			logging.Setup(os.Stderr, lvl, cfg.Log.Format)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSupervisor(ctx, cfg, cfgPath, exportOnExit)
		},
	}

	cmd.Flags().BoolVar(&exportOnExit, "export-on-exit", false, "write the violation export to export.path on shutdown")
	return cmd
}

func runSupervisor(ctx context.Context, cfg *config.Config, cfgPath string, exportOnExit bool) error {
	log.Info("starting proctor-guard", "config", cfgPath, "workers", cfg.Supervisor.Workers)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	agg := aggregator.New(aggregator.Options{})
	agg.Subscribe(collector.ObserveUpdate)

	store := &permission.ConsentStore{Path: cfg.Permissions.ConsentFile}
	gate, err := permission.New(
		permission.DefaultDefinitions(store, permission.ExecOpener, cfg.Permissions.Required),
		permission.Options{
			ProbeTimeout:  cfg.Permissions.ProbeTimeout,
			MaxAttempts:   cfg.Permissions.MaxAttempts,
			RetryInterval: cfg.Permissions.RetryInterval,
			OnChange:      collector.PermissionChanged,
		},
	)
	if err != nil {
		return err
	}

	spawner := &supervisor.ExecSpawner{
		Args:   supervisor.WorkerArgs(cfgPath),
		Logger: log,
	}
	sup, err := supervisor.New(supervisor.Config{
		Workers:             cfg.Supervisor.Workers,
		StaleAfter:          cfg.Supervisor.HeartbeatStaleAfter,
		HealthCheckInterval: cfg.Supervisor.HealthCheckInterval,
		StopGrace:           cfg.Supervisor.StopGrace,
		PingDelay:           cfg.Supervisor.PingDelay,
		Restart: supervisor.RestartPolicy{
			BaseDelay: cfg.Supervisor.RestartBaseDelay,
			Cap:       cfg.Supervisor.RestartCap,
		},
	}, spawner, gate, agg, supervisor.Options{Observer: collector})
	if err != nil {
		return err
	}

	lis, err := server.Listen(cfg.Server.SocketPath)
	if err != nil {
		return err
	}
	srv := server.NewServer(sup, gate, agg, nil)
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx, lis) }()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Port, reg); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
		log.Info("metrics enabled", "port", cfg.Metrics.Port)
	}

	if err := awaitPermissions(ctx, gate, cfg.Permissions.RetryInterval); err == nil {
		result, err := sup.StartAll(ctx)
		switch {
		case errors.Is(err, supervisor.ErrPermissionsMissing):
			log.Error("startup refused", "missing", gate.Missing())
		case err != nil:
			log.Error("startup failed", "error", err)
		default:
			for key, reason := range result.Failed {
				log.Warn("worker failed to start", "worker", key, "error", reason)
			}
			go sup.Run(ctx)
		}
	}

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.StopGrace+2*time.Second)
	defer cancel()
	if err := sup.StopAll(stopCtx); err != nil {
		log.Warn("workers did not stop in time", "error", err)
	}

	if exportOnExit {
		w := aggregator.NewWriter(cfg.Export.Path)
		doc := agg.Export(time.Now())
		if err := w.Write(doc); err != nil {
			log.Error("export failed", "path", w.Path(), "error", err)
		} else {
			log.Info("export written", "path", w.Path(), "violations", doc.TotalViolations)
		}
	}

	if err := <-serveDone; err != nil {
		return fmt.Errorf("control service: %w", err)
	}
	return nil
}

// awaitPermissions blocks until the gate is ready to start. Between rounds
// the control socket stays up so consent can be recorded with
// `proctor permissions grant` or requested with `proctor permissions request`.
func awaitPermissions(ctx context.Context, gate *permission.Gate, pause time.Duration) error {
	for {
		if _, err := gate.WaitForReady(ctx); err == nil {
			return nil
		}
		missing := gate.Missing()
		sort.Strings(missing)
		log.Warn("waiting for permissions", "missing", strings.Join(missing, ","))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}

// ============================================================================
// worker (hidden)
// ============================================================================

func buildWorkerCommand() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one detection worker on stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Stdout is the protocol stream; a closed pipe means the
			// supervisor is gone and is handled as a write error.
			signal.Ignore(syscall.SIGPIPE)

			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			lvl, _ := config.ParseLevel(cfg.Log.Level)
			logging.Level().Set(lvl)
			logging.SetHandler(worker.NewLogHandler(os.Stderr, logging.Level()))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return worker.RunProcess(ctx, key, os.Stdin, os.Stdout, worker.ProcessOptions{
				Options: worker.Options{
					HeartbeatInterval: cfg.Worker.HeartbeatInterval,
					HangThreshold:     cfg.Worker.HangThreshold,
					PID:               os.Getpid(),
					Settings:          worker.Settings(cfg.Worker.Concerns[key]),
				},
				Handle: detection.NewHandle(detection.LoadSystem(detection.SystemConfig{})),
				Runner: worker.ExecRunner,
			})
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "worker key")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
