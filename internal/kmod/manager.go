package kmod

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kernelpack/drivermgr/internal/logging"
)

// Manager transitions the driver's module set between absent and loaded,
// enforcing dependency-safe ordering against live kernel state.
type Manager struct {
	Inspector Inspector
	Runner    Runner
	Logger    *slog.Logger
}

func (m *Manager) logger() *slog.Logger {
	return logging.Ensure(m.Logger)
}

// Load brings every module of the manifest into the kernel, dependencies
// before dependents. On the first failure it aborts without unloading
// modules this call already loaded; the partial state is surfaced in the
// returned LoadError.
func (m *Manager) Load(ctx context.Context, manifest Manifest) error {
	logger := m.logger()

	var loaded []string
	for _, spec := range manifest {
		for _, req := range spec.Requires {
			state, err := m.Inspector.State(req)
			if err != nil {
				return &LoadError{Module: spec.Name, Loaded: loaded, Err: err}
			}
			if !state.Loaded {
				return &LoadError{
					Module: spec.Name,
					Loaded: loaded,
					Err:    fmt.Errorf("required module %s is not loaded", req),
				}
			}
		}

		state, err := m.Inspector.State(spec.Name)
		if err != nil {
			return &LoadError{Module: spec.Name, Loaded: loaded, Err: err}
		}
		if state.Loaded {
			logger.Debug("module already loaded", "module", spec.Name)
			continue
		}

		if err := m.Runner.Run(ctx, "modprobe", spec.Name); err != nil {
			return &LoadError{Module: spec.Name, Loaded: loaded, Err: err}
		}

		state, err = m.Inspector.State(spec.Name)
		if err != nil {
			return &LoadError{Module: spec.Name, Loaded: loaded, Err: err}
		}
		if !state.Loaded {
			return &LoadError{
				Module: spec.Name,
				Loaded: loaded,
				Err:    fmt.Errorf("module absent after successful modprobe"),
			}
		}

		loaded = append(loaded, spec.Name)
		logger.Info("module loaded", "module", spec.Name)
	}
	return nil
}

// Unload removes every loaded module of the manifest from the kernel in
// one batch, dependents before dependencies. The whole batch is checked
// for safety before any removal: a module whose reference count exceeds
// its currently-loaded declared dependents, or that is held by a module
// outside the set, fails the call with ErrInUse and no mutation.
func (m *Manager) Unload(ctx context.Context, manifest Manifest) error {
	logger := m.logger()

	type observation struct {
		spec  ModuleSpec
		state ModuleState
	}

	var loadedModules []observation
	for _, spec := range manifest {
		state, err := m.Inspector.State(spec.Name)
		if err != nil {
			return fmt.Errorf("inspect module %s: %w", spec.Name, err)
		}
		if state.Loaded {
			loadedModules = append(loadedModules, observation{spec: spec, state: state})
		}
	}
	if len(loadedModules) == 0 {
		logger.Debug("no modules loaded, nothing to unload")
		return nil
	}

	inSet := make(map[string]bool, len(manifest))
	for _, spec := range manifest {
		inSet[normalizeName(spec.Name)] = true
	}

	for _, obs := range loadedModules {
		var loadedDependents uint
		for _, dependent := range manifest.Dependents(obs.spec.Name) {
			state, err := m.Inspector.State(dependent)
			if err != nil {
				return fmt.Errorf("inspect dependent %s: %w", dependent, err)
			}
			if state.Loaded {
				loadedDependents++
			}
		}

		// The dependents of the set are removed in the same batch, so
		// their references are discounted. Anything beyond them means an
		// external consumer.
		if obs.state.Refcount > loadedDependents {
			return fmt.Errorf("module %s has %d references but %d loaded dependents: %w",
				obs.spec.Name, obs.state.Refcount, loadedDependents, ErrInUse)
		}
		for _, holder := range obs.state.Holders {
			if !inSet[normalizeName(holder)] {
				return fmt.Errorf("module %s is held by %s: %w", obs.spec.Name, holder, ErrInUse)
			}
		}
	}

	// Reverse manifest order removes dependents before dependencies.
	for i := len(loadedModules) - 1; i >= 0; i-- {
		name := loadedModules[i].spec.Name
		if err := m.Runner.Run(ctx, "rmmod", name); err != nil {
			return fmt.Errorf("unload module %s: %w", name, err)
		}
		logger.Info("module unloaded", "module", name)
	}

	for _, obs := range loadedModules {
		state, err := m.Inspector.State(obs.spec.Name)
		if err != nil {
			return fmt.Errorf("verify removal of %s: %w", obs.spec.Name, err)
		}
		if state.Loaded {
			return fmt.Errorf("module %s still loaded after removal", obs.spec.Name)
		}
	}
	return nil
}
