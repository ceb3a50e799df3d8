package build

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/kernelpack/drivermgr/internal/kmod"
	"github.com/kernelpack/drivermgr/internal/logging"
)

// Default external collaborator commands.
const (
	DefaultProvisionerCommand = "drivermgr-buildenv"
	DefaultSignerCommand      = "drivermgr-sign"

	// interfaceSubdir is where the provisioned environment places the
	// kernel-interface sources, and objectsSubdir where the toolchain
	// leaves the compiled fragments.
	interfaceSubdir = "kernel-interface"
	objectsSubdir   = "out"
)

// EnvProvisioner drives the external build-environment tool, which
// fetches a base OS image, mounts it, and prepares matching kernel
// headers and build config under the returned root.
type EnvProvisioner struct {
	Command string
	WorkDir string
	Runner  kmod.Runner
	Logger  *slog.Logger
}

func (p *EnvProvisioner) command() string {
	if p.Command != "" {
		return p.Command
	}
	return DefaultProvisionerCommand
}

func (p *EnvProvisioner) Provision(ctx context.Context, kernelVersion string) (Environment, error) {
	root := filepath.Join(p.WorkDir, kernelVersion)
	logging.Ensure(p.Logger).Info("provisioning build environment", "kernel", kernelVersion, "root", root)

	if err := p.Runner.Run(ctx, p.command(), "provision", "--kernel", kernelVersion, "--root", root); err != nil {
		return Environment{}, err
	}
	return Environment{
		Root: root,
		cleanup: func() error {
			// Teardown runs outside the build's context so a cancelled
			// build still unmounts its environment.
			return p.Runner.Run(context.Background(), p.command(), "teardown", "--root", root)
		},
	}, nil
}

// MakeCompiler invokes the kernel-interface build inside the provisioned
// environment and collects the produced objects.
type MakeCompiler struct {
	Runner kmod.Runner
	Logger *slog.Logger
}

func (c *MakeCompiler) Compile(ctx context.Context, env Environment, maxThreads int) ([]string, error) {
	srcDir := filepath.Join(env.Root, interfaceSubdir)
	args := []string{"-C", srcDir}
	if maxThreads > 0 {
		args = append(args, "-j"+strconv.Itoa(maxThreads))
	}

	logging.Ensure(c.Logger).Info("compiling kernel-interface objects", "dir", srcDir, "threads", maxThreads)
	if err := c.Runner.Run(ctx, "make", args...); err != nil {
		return nil, err
	}

	objects, err := filepath.Glob(filepath.Join(srcDir, objectsSubdir, "*.o"))
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("toolchain produced no objects under %s", filepath.Join(srcDir, objectsSubdir))
	}
	return objects, nil
}

// FileSigner produces detached signatures with the external signing
// tool, one sidecar per object.
type FileSigner struct {
	Command string
	Runner  kmod.Runner
	Logger  *slog.Logger
}

func (s *FileSigner) command() string {
	if s.Command != "" {
		return s.Command
	}
	return DefaultSignerCommand
}

func (s *FileSigner) Sign(ctx context.Context, keyID string, objects []string) (map[string]string, error) {
	signatures := make(map[string]string, len(objects))
	for _, object := range objects {
		sidecar := object + ".sig"
		if err := s.Runner.Run(ctx, s.command(), "--key", keyID, "--output", sidecar, object); err != nil {
			return nil, fmt.Errorf("sign %s: %w", filepath.Base(object), err)
		}
		signatures[object] = sidecar
	}
	return signatures, nil
}
