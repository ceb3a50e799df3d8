// Package install turns a cached driver package into loadable module
// files under the per-driver-version target directory, relinking the
// kernel-interface fragments when the running kernel differs from the
// package's build target.
package install

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kernelpack/drivermgr/internal/config"
	"github.com/kernelpack/drivermgr/internal/logging"
	"github.com/kernelpack/drivermgr/internal/pack"
)

// OrderFile lists the installed modules in dependency order, one per
// line, for the host's module loader.
const OrderFile = "modules.order"

// Reason classifies an install failure.
type Reason string

const (
	ReasonLicense Reason = "licenseNotAccepted"
	ReasonUnpack  Reason = "unpackFailed"
	ReasonRelink  Reason = "relinkFailed"
	ReasonWrite   Reason = "writeFailed"
)

// InstallError is fatal to the current run; on relink failure no module
// files remain in the target directory.
type InstallError struct {
	Reason Reason
	Err    error
}

func (e *InstallError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("install failed: %s", e.Reason)
	}
	return fmt.Sprintf("install failed (%s): %v", e.Reason, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// Unpacker extracts a cache entry into a staging directory.
type Unpacker interface {
	Unpack(ctx context.Context, entryDir, destDir string) error
}

// Relinker regenerates the loadable modules in stageDir against the
// given kernel using the archived linker shipped with the package.
type Relinker interface {
	Relink(ctx context.Context, stageDir, kernelVersion string) error
}

// Result describes a completed install.
type Result struct {
	TargetDir string
	Modules   []string
}

// Installer stages and installs one driver package.
type Installer struct {
	Cfg      config.Config
	Unpacker Unpacker
	Relinker Relinker
	Logger   *slog.Logger
}

// Install unpacks the package into a kernel-version staging area,
// relinks if the running kernel differs from the package's declared
// target, and writes the final module files plus their dependency-order
// manifest into the target directory.
func (i *Installer) Install(ctx context.Context, pkg *pack.Package, entryDir string, licenseAccepted bool) (*Result, error) {
	if !licenseAccepted {
		return nil, &InstallError{Reason: ReasonLicense, Err: fmt.Errorf("driver license must be accepted before install")}
	}

	logger := logging.Ensure(i.Logger).With("kernel", pkg.KernelVersion, "driver", pkg.DriverVersion)

	stageDir := filepath.Join(i.Cfg.StagingDir, pkg.KernelVersion)
	if err := os.RemoveAll(stageDir); err != nil {
		return nil, &InstallError{Reason: ReasonUnpack, Err: err}
	}
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, &InstallError{Reason: ReasonUnpack, Err: err}
	}
	if err := i.Unpacker.Unpack(ctx, entryDir, stageDir); err != nil {
		return nil, &InstallError{Reason: ReasonUnpack, Err: err}
	}
	logger.Info("package unpacked", "stage", stageDir)

	if i.Cfg.RunningKernel != "" && i.Cfg.RunningKernel != pkg.KernelVersion {
		// The package was built for a different kernel; the unpacked
		// fragments must be relinked against the running kernel's
		// module-support objects with the archived linker, so the linker
		// version matches the one used at build time.
		logger.Info("relinking for running kernel", "running", i.Cfg.RunningKernel)
		if err := i.Relinker.Relink(ctx, stageDir, i.Cfg.RunningKernel); err != nil {
			return nil, &InstallError{Reason: ReasonRelink, Err: err}
		}
	}

	targetDir := filepath.Join(i.Cfg.DriverRoot, "lib", "modules", pkg.KernelVersion)
	result, err := i.writeTarget(pkg, stageDir, targetDir)
	if err != nil {
		// A half-written target is worse than none.
		os.RemoveAll(targetDir)
		return nil, &InstallError{Reason: ReasonWrite, Err: err}
	}

	logger.Info("driver installed", "target", targetDir, "modules", len(result.Modules))
	return result, nil
}

func (i *Installer) writeTarget(pkg *pack.Package, stageDir, targetDir string) (*Result, error) {
	if err := os.RemoveAll(targetDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, err
	}

	result := &Result{TargetDir: targetDir}
	for _, module := range pkg.Modules {
		name := module.Name + ".ko"
		if err := copyFile(filepath.Join(stageDir, name), filepath.Join(targetDir, name)); err != nil {
			return nil, fmt.Errorf("install module %s: %w", module.Name, err)
		}
		result.Modules = append(result.Modules, module.Name)
	}

	order := strings.Join(result.Modules, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(targetDir, OrderFile), []byte(order), 0o644); err != nil {
		return nil, fmt.Errorf("write module order: %w", err)
	}
	return result, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
