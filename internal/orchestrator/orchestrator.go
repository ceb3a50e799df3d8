// Package orchestrator sequences the driver lifecycle: singleton lock,
// package cache, build and install pipelines, module load/unload, and
// rootfs publication, with a signal-driven run loop that tears
// everything down in reverse order exactly once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kernelpack/drivermgr/internal/config"
	"github.com/kernelpack/drivermgr/internal/install"
	"github.com/kernelpack/drivermgr/internal/kmod"
	"github.com/kernelpack/drivermgr/internal/logging"
	"github.com/kernelpack/drivermgr/internal/pack"
)

// Lock is a held singleton lock.
type Lock interface {
	Release() error
}

// Locker acquires the host-wide singleton lock.
type Locker interface {
	Acquire() (Lock, error)
}

// ModuleManager transitions the driver's kernel module set.
type ModuleManager interface {
	Load(ctx context.Context, manifest kmod.Manifest) error
	Unload(ctx context.Context, manifest kmod.Manifest) error
}

// Cache is the kernel-version-keyed package store.
type Cache interface {
	Lookup(kernelVersion string) (*pack.Package, error)
	RequiresRebuild(ctx context.Context, kernelVersion string) (bool, error)
	EntryDir(kernelVersion string) string
}

// Builder produces and stores a fresh package for a kernel version.
type Builder interface {
	Run(ctx context.Context, kernelVersion string) (*pack.Package, error)
}

// Installer places a cached package's modules into the driver root.
type Installer interface {
	Install(ctx context.Context, pkg *pack.Package, entryDir string, licenseAccepted bool) (*install.Result, error)
}

// Publisher exposes and withdraws the assembled driver rootfs.
type Publisher interface {
	Publish() error
	Unpublish() error
}

// Persistence manages the external persistence daemon.
type Persistence interface {
	Start(ctx context.Context) error
	Stop() error
}

// Orchestrator owns one lifecycle run. It is single-use: a process runs
// exactly one Init or Update.
type Orchestrator struct {
	Cfg         config.Config
	Locker      Locker
	Modules     ModuleManager
	Cache       Cache
	Builder     Builder
	Installer   Installer
	Publisher   Publisher
	Persistence Persistence
	Logger      *slog.Logger

	shutdownOnce sync.Once
}

func (o *Orchestrator) logger() *slog.Logger {
	return logging.Ensure(o.Logger)
}

// Init drives the full lifecycle: clean slate, package, install, load,
// publish, then blocks until the context is cancelled by a termination
// signal and runs the ordered shutdown.
func (o *Orchestrator) Init(ctx context.Context) error {
	logger := o.logger().With("kernel", o.Cfg.KernelVersion, "driver", o.Cfg.DriverVersion)

	lock, err := o.Locker.Acquire()
	if err != nil {
		// AlreadyRunning or a filesystem failure; no other state was
		// touched.
		return err
	}

	manifest := kmod.DefaultManifest()

	// A clean run never starts atop stale state: force out whatever a
	// previous run (or crash) left loaded and mounted. In-use modules
	// abort here, before anything is mutated.
	if err := o.Modules.Unload(ctx, manifest); err != nil {
		return o.abort(lock, fmt.Errorf("clear stale modules: %w", err))
	}
	if err := o.Publisher.Unpublish(); err != nil {
		return o.abort(lock, fmt.Errorf("clear stale mount: %w", err))
	}

	pkg, err := o.ensurePackage(ctx, o.Cfg.KernelVersion)
	if err != nil {
		return o.abort(lock, err)
	}

	if _, err := o.Installer.Install(ctx, pkg, o.Cache.EntryDir(pkg.KernelVersion), o.Cfg.LicenseAccepted); err != nil {
		return o.abort(lock, err)
	}

	// A package that builds and installs but will not load is a kernel
	// compatibility problem, fatal to this run.
	if err := o.Modules.Load(ctx, pkg.Modules); err != nil {
		return o.abort(lock, err)
	}

	if err := o.Persistence.Start(ctx); err != nil {
		return errors.Join(err, o.shutdown(lock, pkg.Modules))
	}

	if err := o.Publisher.Publish(); err != nil {
		return errors.Join(err, o.shutdown(lock, pkg.Modules))
	}

	logger.Info("driver active, awaiting termination signal")
	<-ctx.Done()

	logger.Info("termination signal received, shutting down")
	return o.shutdown(lock, pkg.Modules)
}

// Update ensures a valid package exists for the configured kernel
// version, rebuilding when the cache requires it. It does not touch
// module or mount state; its purpose is pre-warming the cache for a
// kernel the host has not booted into yet.
func (o *Orchestrator) Update(ctx context.Context) error {
	lock, err := o.Locker.Acquire()
	if err != nil {
		return err
	}
	defer lock.Release()

	pkg, err := o.ensurePackage(ctx, o.Cfg.KernelVersion)
	if err != nil {
		return err
	}

	o.logger().Info("package ready", "kernel", pkg.KernelVersion, "tag", pkg.Tag)
	return nil
}

// ensurePackage returns a validated cached package or builds a fresh
// one. A cached package that fails verification is superseded by the
// build's store.
func (o *Orchestrator) ensurePackage(ctx context.Context, kernelVersion string) (*pack.Package, error) {
	rebuild, err := o.Cache.RequiresRebuild(ctx, kernelVersion)
	if err != nil {
		return nil, fmt.Errorf("validate package cache: %w", err)
	}
	if !rebuild {
		pkg, err := o.Cache.Lookup(kernelVersion)
		if err != nil {
			return nil, err
		}
		if pkg != nil {
			o.logger().Info("reusing cached package", "kernel", kernelVersion, "tag", pkg.Tag)
			return pkg, nil
		}
	}
	return o.Builder.Run(ctx, kernelVersion)
}

// abort releases the lock after a failure in the setup phase. Nothing
// the shutdown sequence tears down has been set up yet, so releasing is
// safe.
func (o *Orchestrator) abort(lock Lock, err error) error {
	if releaseErr := lock.Release(); releaseErr != nil {
		return errors.Join(err, releaseErr)
	}
	return err
}

// shutdown runs the reverse-order teardown exactly once, regardless of
// how many termination signals arrive: stop persistence, unload
// modules, unpublish, release the lock. An unload failure aborts the
// sequence with the lock still held, so the next run observes
// AlreadyRunning instead of re-entering atop inconsistent kernel state.
// Teardown uses a fresh context; the signal that triggered it has
// already cancelled the run's own.
func (o *Orchestrator) shutdown(lock Lock, manifest kmod.Manifest) error {
	var shutdownErr error
	o.shutdownOnce.Do(func() {
		logger := o.logger()

		if err := o.Persistence.Stop(); err != nil {
			// The daemon holds module references; unload below will
			// refuse if it is genuinely still alive.
			logger.Warn("persistence daemon stop failed", "error", err)
		}

		if err := o.Modules.Unload(context.Background(), manifest); err != nil {
			shutdownErr = fmt.Errorf("shutdown aborted, lock retained: %w", err)
			return
		}

		if err := o.Publisher.Unpublish(); err != nil {
			// Mount errors do not prevent the rest of shutdown.
			logger.Warn("unpublish failed", "error", err)
		}

		if err := lock.Release(); err != nil {
			shutdownErr = err
			return
		}
		logger.Info("shutdown complete")
	})
	return shutdownErr
}
