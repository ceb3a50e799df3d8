package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kernelpack/drivermgr/internal/config"
	"github.com/kernelpack/drivermgr/internal/logging"
	"github.com/kernelpack/drivermgr/internal/orchestrator"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	logLevel := defaultLogLevel

	root := &cobra.Command{
		Use:           "drivermgr",
		Short:         "Manage the kernel driver lifecycle on a containerized host",
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	// A bare invocation is an error; cobra prints the usage to stderr.
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("expected a command: init or update")
	}

	root.AddCommand(
		newInitCommand(logger),
		newUpdateCommand(logger),
	)
	return root
}

func newInitCommand(logger *slog.Logger) *cobra.Command {
	var (
		acceptLicense bool
		maxThreads    int
	)

	cmd := &cobra.Command{
		Use:          "init",
		Short:        "Build (or reuse), install, load, and publish the driver, then hold it active until terminated",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.Overrides{
				LicenseAccepted: acceptLicense,
				MaxThreads:      maxThreads,
			})
			if err != nil {
				return err
			}

			cmdLogger := logger.With("command", "init", "kernel", cfg.KernelVersion)
			cmdLogger.Info("starting driver lifecycle", "driver", cfg.DriverVersion)

			return orchestrator.New(cfg, logger).Init(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&acceptLicense, "accept-license", false, "Accept the driver license terms")
	cmd.Flags().IntVar(&maxThreads, "max-threads", 0, "Maximum compile parallelism (0 = all CPUs)")

	return cmd
}

func newUpdateCommand(logger *slog.Logger) *cobra.Command {
	var (
		kernelVersion string
		signingKey    string
		packageTag    string
		maxThreads    int
	)

	cmd := &cobra.Command{
		Use:          "update",
		Short:        "Ensure a valid driver package exists for a kernel version, building it if required",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.Overrides{
				KernelVersion: kernelVersion,
				SigningKey:    signingKey,
				PackageTag:    packageTag,
				MaxThreads:    maxThreads,
			})
			if err != nil {
				return err
			}

			cmdLogger := logger.With("command", "update", "kernel", cfg.KernelVersion)
			cmdLogger.Info("pre-warming package cache", "driver", cfg.DriverVersion, "tag", cfg.PackageTag)

			return orchestrator.New(cfg, logger).Update(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&kernelVersion, "kernel", "", "Target kernel version (default: running kernel)")
	cmd.Flags().StringVar(&signingKey, "sign", "", "Key identifier for module signing")
	cmd.Flags().StringVar(&packageTag, "tag", "", "Package tag recorded in the cache entry")
	cmd.Flags().IntVar(&maxThreads, "max-threads", 0, "Maximum compile parallelism (0 = all CPUs)")

	return cmd
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
