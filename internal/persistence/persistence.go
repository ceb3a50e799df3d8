// Package persistence starts and stops the external persistence daemon
// that keeps the driver's device state initialized while no client is
// attached. The daemon is started only after every module reports
// loaded, and stopped first during shutdown.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sys/unix"

	"github.com/kernelpack/drivermgr/internal/kmod"
	"github.com/kernelpack/drivermgr/internal/logging"
)

// DefaultCommand is the external persistence daemon binary.
const DefaultCommand = "drivermgr-persistenced"

const (
	shutdownPolls    = 50
	shutdownInterval = 100 * time.Millisecond
)

// Daemon manages the persistence collaborator via its pid file.
type Daemon struct {
	Command string
	PidFile string
	Runner  kmod.Runner
	Logger  *slog.Logger

	// signal is overridable for tests; unix.Kill when nil.
	signal func(pid int, sig unix.Signal) error
}

func (d *Daemon) command() string {
	if d.Command != "" {
		return d.Command
	}
	return DefaultCommand
}

func (d *Daemon) kill(pid int, sig unix.Signal) error {
	if d.signal != nil {
		return d.signal(pid, sig)
	}
	return unix.Kill(pid, sig)
}

// Start launches the daemon. The daemon forks itself into the
// background and records its pid in the pid file.
func (d *Daemon) Start(ctx context.Context) error {
	logging.Ensure(d.Logger).Info("starting persistence daemon", "pid_file", d.PidFile)
	if err := d.Runner.Run(ctx, d.command(), "--pid-file", d.PidFile); err != nil {
		return fmt.Errorf("start persistence daemon: %w", err)
	}
	return nil
}

// Stop signals the daemon to terminate and polls a bounded number of
// times for it to exit. A missing pid file means the daemon never
// started or already exited cleanly.
func (d *Daemon) Stop() error {
	logger := logging.Ensure(d.Logger)

	pid, err := d.readPid()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("no persistence pid file, nothing to stop")
			return nil
		}
		return err
	}

	if err := d.kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return d.removePidFile()
		}
		return fmt.Errorf("signal persistence daemon: %w", err)
	}

	err = retry.Do(
		func() error {
			if err := d.kill(pid, 0); errors.Is(err, unix.ESRCH) {
				return nil
			}
			return fmt.Errorf("persistence daemon pid %d still running", pid)
		},
		retry.Attempts(shutdownPolls),
		retry.Delay(shutdownInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("persistence daemon did not exit: %w", err)
	}

	logger.Info("persistence daemon stopped", "pid", pid)
	return d.removePidFile()
}

func (d *Daemon) readPid() (int, error) {
	data, err := os.ReadFile(d.PidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s: %q", d.PidFile, data)
	}
	return pid, nil
}

func (d *Daemon) removePidFile() error {
	if err := os.Remove(d.PidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
