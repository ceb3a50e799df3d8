// Package build produces a driver package for a kernel version by
// sequencing the external build collaborators: environment provisioner,
// compiler toolchain, optional signer, and the packaging tool. The
// result is persisted into the package cache only after packaging
// succeeds in full.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/kernelpack/drivermgr/internal/config"
	"github.com/kernelpack/drivermgr/internal/kmod"
	"github.com/kernelpack/drivermgr/internal/logging"
	"github.com/kernelpack/drivermgr/internal/pack"
)

// Environment is a provisioned build root with matching kernel headers
// and build configuration.
type Environment struct {
	Root    string
	cleanup func() error
}

// Cleanup tears down the provisioned environment.
func (e Environment) Cleanup() error {
	if e.cleanup == nil {
		return nil
	}
	return e.cleanup()
}

// Provisioner obtains a build environment for a kernel version.
type Provisioner interface {
	Provision(ctx context.Context, kernelVersion string) (Environment, error)
}

// Compiler produces the kernel-interface object fragments inside a
// provisioned environment. It returns the paths of the produced objects.
type Compiler interface {
	Compile(ctx context.Context, env Environment, maxThreads int) ([]string, error)
}

// Signer produces detached signatures for the given objects, returning
// a map from object path to signature path.
type Signer interface {
	Sign(ctx context.Context, keyID string, objects []string) (map[string]string, error)
}

// Packer assembles the named fragments (and signature sidecars) into the
// destination directory in package form.
type Packer interface {
	Pack(ctx context.Context, destDir string, objects []string, signatures map[string]string) error
}

// PackageStore persists a complete package; satisfied by *pack.Cache.
type PackageStore interface {
	Store(kernelVersion string, pkg *pack.Package, srcDir string) error
}

// Pipeline runs the full build for one kernel version. Every step is a
// hard dependency on the previous one succeeding.
type Pipeline struct {
	Cfg         config.Config
	Provisioner Provisioner
	Compiler    Compiler
	Signer      Signer
	Packer      Packer
	Store       PackageStore
	Logger      *slog.Logger
}

// Run builds, optionally signs, packages, and stores a driver package
// for the kernel version. Partial artifacts from a failed build never
// reach the store.
func (p *Pipeline) Run(ctx context.Context, kernelVersion string) (*pack.Package, error) {
	logger := logging.Ensure(p.Logger).With("kernel", kernelVersion, "driver", p.Cfg.DriverVersion)
	logger.Info("starting driver build", "tag", p.Cfg.PackageTag)

	env, err := p.Provisioner.Provision(ctx, kernelVersion)
	if err != nil {
		return nil, &BuildError{Stage: "provision", Err: err}
	}
	defer func() {
		if err := env.Cleanup(); err != nil {
			logger.Warn("build environment cleanup failed", "error", err)
		}
	}()
	logger.Info("build environment provisioned", "root", env.Root)

	objects, err := p.Compiler.Compile(ctx, env, p.Cfg.MaxThreads)
	if err != nil {
		return nil, &BuildError{Stage: "compile", Err: err}
	}
	if len(objects) == 0 {
		return nil, &BuildError{Stage: "compile", Err: fmt.Errorf("no kernel-interface objects produced")}
	}
	logger.Info("compilation finished", "objects", len(objects))

	signatures := map[string]string{}
	if p.Cfg.SigningKey != "" {
		signatures, err = p.Signer.Sign(ctx, p.Cfg.SigningKey, objects)
		if err != nil {
			return nil, &BuildError{Stage: "sign", Err: err}
		}
		logger.Info("fragments signed", "key", p.Cfg.SigningKey)
	}

	stageDir := filepath.Join(p.Cfg.StagingDir, "build-"+uuid.NewString())
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, &BuildError{Stage: "package", Err: err}
	}
	defer os.RemoveAll(stageDir)

	if err := p.Packer.Pack(ctx, stageDir, objects, signatures); err != nil {
		return nil, &BuildError{Stage: "package", Err: err}
	}

	pkg := p.describe(kernelVersion, objects, signatures)
	if err := p.Store.Store(kernelVersion, pkg, stageDir); err != nil {
		return nil, &BuildError{Stage: "store", Err: err}
	}

	logger.Info("driver package built", "fragments", len(pkg.Fragments))
	return pkg, nil
}

func (p *Pipeline) describe(kernelVersion string, objects []string, signatures map[string]string) *pack.Package {
	pkg := &pack.Package{
		Name:          fmt.Sprintf("kpdrv-%s-%s", p.Cfg.DriverVersion, kernelVersion),
		DriverVersion: p.Cfg.DriverVersion,
		KernelVersion: kernelVersion,
		Tag:           p.Cfg.PackageTag,
		Modules:       kmod.DefaultManifest(),
	}
	for _, object := range objects {
		fragment := pack.Fragment{
			Name:   fragmentName(object),
			Object: filepath.Base(object),
		}
		if signature, ok := signatures[object]; ok {
			fragment.Signature = filepath.Base(signature)
		}
		pkg.Fragments = append(pkg.Fragments, fragment)
	}
	return pkg
}

func fragmentName(object string) string {
	base := filepath.Base(object)
	return base[:len(base)-len(filepath.Ext(base))]
}
