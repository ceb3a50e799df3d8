package kmod

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/kernelpack/drivermgr/internal/logging"
)

// Runner executes an external command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands on the host, capturing combined output into
// the returned error.
type ExecRunner struct {
	Logger *slog.Logger
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	logging.Ensure(r.Logger).Debug("running command", "cmd", name, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(output))
		if trimmed != "" {
			return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, trimmed)
		}
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}
