package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Ark0N/Claudeman-sub001/internal/config"
	"github.com/Ark0N/Claudeman-sub001/internal/events"
	"github.com/Ark0N/Claudeman-sub001/internal/logging"
	"github.com/Ark0N/Claudeman-sub001/internal/loop"
	"github.com/Ark0N/Claudeman-sub001/internal/metrics"
	"github.com/Ark0N/Claudeman-sub001/internal/proc"
	"github.com/Ark0N/Claudeman-sub001/internal/session"
	"github.com/Ark0N/Claudeman-sub001/internal/store"
	"github.com/Ark0N/Claudeman-sub001/internal/task"
	"github.com/Ark0N/Claudeman-sub001/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runtime, err := logging.New()
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := runtime.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	cmd := newRootCommand(cfg, runtime.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "claudeman",
		Short:         "Supervise autonomous coding-agent sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newRunCommand(cfg, logger),
		newSessionCommand(cfg),
		newTaskCommand(cfg),
		newStatusCommand(cfg),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		if logger != nil {
			logger.With("command", cmd.Name()).Debug("command invocation")
		}
		return nil
	}

	return root
}

func newRunCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var (
		sessionCount int
		respawnOn    bool
	)

	cmd := &cobra.Command{
		Use:   "run [workdir...]",
		Short: "Run the supervision loop over one or more working directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.Init(ctx)
			if err != nil {
				return fmt.Errorf("initialize telemetry: %w", err)
			}
			defer shutdownTracing()

			snapshots, err := store.NewSQLiteStore(cfg.StorePath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() {
				if closeErr := snapshots.Close(); closeErr != nil {
					logger.Warn("close store", "error", closeErr)
				}
			}()

			bus := events.New(events.WithLogger(logger))
			registry, err := session.NewRegistry(proc.NewExecHost(), snapshots, bus, nil, logger, session.Config{
				AgentBinary: cfg.AgentBinary,
				AgentArgs:   cfg.AgentArgs,
				MaxSessions: cfg.MaxSessions,
			})
			if err != nil {
				return fmt.Errorf("build session registry: %w", err)
			}

			tasks := task.NewStore(task.WithSnapshots(snapshots), task.WithLogger(logger))
			recorder := metrics.NewAggregator()
			engine, err := loop.NewEngine(registry, tasks, bus, recorder, *cfg, loop.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("build engine: %w", err)
			}

			workdirs := args
			if len(workdirs) == 0 {
				cwd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("resolve working directory: %w", err)
				}
				for i := 0; i < sessionCount; i++ {
					workdirs = append(workdirs, cwd)
				}
			}

			heading := color.New(color.FgCyan, color.Bold)
			heading.Fprintf(cmd.OutOrStdout(), "claudeman %s\n", Version)
			for _, dir := range workdirs {
				worker, err := engine.CreateSession(dir)
				if err != nil {
					return fmt.Errorf("create session in %s: %w", dir, err)
				}
				if respawnOn {
					if err := engine.EnableRespawn(worker.ID(), cfg.Respawn); err != nil {
						return fmt.Errorf("enable respawn for %s: %w", worker.ID(), err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session %s  %s\n",
					color.GreenString(worker.ID()), dir)
			}

			logger.Info("supervision loop starting",
				"sessions", len(workdirs), "interval", cfg.LoopInterval, "respawn", respawnOn)
			if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "shut down cleanly")
			return nil
		},
	}

	cmd.Flags().IntVar(&sessionCount, "sessions", 1, "sessions to start in the current directory when no workdirs are given")
	cmd.Flags().BoolVar(&respawnOn, "respawn", true, "enable idle detection and automatic recovery")
	return cmd
}
