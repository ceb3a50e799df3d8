package install

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kernelpack/drivermgr/internal/kmod"
	"github.com/kernelpack/drivermgr/internal/logging"
)

// ArchivedLinkerName is the linker binary shipped inside every driver
// package. Using the archived copy guarantees the relink runs with the
// exact linker version used at package-build time; a mismatched linker
// can silently produce an incompatible module.
const ArchivedLinkerName = "ld.archived"

// ArchivedRelinker runs the package's own linker against the running
// kernel's module-support objects.
type ArchivedRelinker struct {
	// ModuleSupportDir holds the running kernel's support objects;
	// /lib/modules when empty.
	ModuleSupportDir string
	Runner           kmod.Runner
	Logger           *slog.Logger
}

func (r *ArchivedRelinker) supportDir(kernelVersion string) string {
	base := r.ModuleSupportDir
	if base == "" {
		base = "/lib/modules"
	}
	return filepath.Join(base, kernelVersion, "build")
}

// Relink regenerates the loadable modules in stageDir for the given
// kernel.
func (r *ArchivedRelinker) Relink(ctx context.Context, stageDir, kernelVersion string) error {
	linker := filepath.Join(stageDir, ArchivedLinkerName)
	if _, err := os.Stat(linker); err != nil {
		return fmt.Errorf("archived linker missing from package: %w", err)
	}

	logging.Ensure(r.Logger).Info("relinking with archived linker", "linker", linker, "kernel", kernelVersion)
	return r.Runner.Run(ctx, linker,
		"--stage", stageDir,
		"--module-support", r.supportDir(kernelVersion),
	)
}
