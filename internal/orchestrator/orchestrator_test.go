package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/kernelpack/drivermgr/internal/config"
	"github.com/kernelpack/drivermgr/internal/install"
	"github.com/kernelpack/drivermgr/internal/kmod"
	"github.com/kernelpack/drivermgr/internal/lockfile"
	"github.com/kernelpack/drivermgr/internal/pack"
)

// harness records every component interaction in order and lets tests
// inject failures at specific steps.
type harness struct {
	events []string

	lockErr         error
	lockReleased    bool
	unloadErrs      []error
	loadErr         error
	requiresRebuild bool
	rebuildErr      error
	cached          *pack.Package
	buildErr        error
	installErr      error
	publishErr      error
	unpublishErr    error
	persistStartErr error
	persistStopErr  error
}

func (h *harness) record(event string) {
	h.events = append(h.events, event)
}

type hLock struct{ h *harness }

func (l hLock) Release() error {
	l.h.record("lock.release")
	l.h.lockReleased = true
	return nil
}

type hLocker struct{ h *harness }

func (l hLocker) Acquire() (Lock, error) {
	if l.h.lockErr != nil {
		return nil, l.h.lockErr
	}
	l.h.record("lock.acquire")
	return hLock{h: l.h}, nil
}

type hModules struct{ h *harness }

func (m hModules) Load(_ context.Context, _ kmod.Manifest) error {
	m.h.record("modules.load")
	return m.h.loadErr
}

func (m hModules) Unload(_ context.Context, _ kmod.Manifest) error {
	m.h.record("modules.unload")
	if len(m.h.unloadErrs) == 0 {
		return nil
	}
	err := m.h.unloadErrs[0]
	m.h.unloadErrs = m.h.unloadErrs[1:]
	return err
}

type hCache struct{ h *harness }

func (c hCache) Lookup(_ string) (*pack.Package, error) {
	c.h.record("cache.lookup")
	return c.h.cached, nil
}

func (c hCache) RequiresRebuild(_ context.Context, _ string) (bool, error) {
	c.h.record("cache.check")
	return c.h.requiresRebuild, c.h.rebuildErr
}

func (c hCache) EntryDir(kernelVersion string) string {
	return "/cache/" + kernelVersion
}

type hBuilder struct{ h *harness }

func (b hBuilder) Run(_ context.Context, kernelVersion string) (*pack.Package, error) {
	b.h.record("build.run")
	if b.h.buildErr != nil {
		return nil, b.h.buildErr
	}
	return &pack.Package{
		KernelVersion: kernelVersion,
		DriverVersion: "550.54.14",
		Tag:           "official",
		Modules:       kmod.DefaultManifest(),
	}, nil
}

type hInstaller struct{ h *harness }

func (i hInstaller) Install(_ context.Context, pkg *pack.Package, _ string, _ bool) (*install.Result, error) {
	i.h.record("install")
	if i.h.installErr != nil {
		return nil, i.h.installErr
	}
	return &install.Result{Modules: pkg.Modules.Names()}, nil
}

type hPublisher struct{ h *harness }

func (p hPublisher) Publish() error {
	p.h.record("publish")
	return p.h.publishErr
}

func (p hPublisher) Unpublish() error {
	p.h.record("unpublish")
	return p.h.unpublishErr
}

type hPersistence struct{ h *harness }

func (p hPersistence) Start(_ context.Context) error {
	p.h.record("persistence.start")
	return p.h.persistStartErr
}

func (p hPersistence) Stop() error {
	p.h.record("persistence.stop")
	return p.h.persistStopErr
}

func newOrchestrator(h *harness) *Orchestrator {
	return &Orchestrator{
		Cfg: config.Config{
			DriverVersion:   "550.54.14",
			KernelVersion:   "5.10.0",
			RunningKernel:   "5.10.0",
			LicenseAccepted: true,
		},
		Locker:      hLocker{h: h},
		Modules:     hModules{h: h},
		Cache:       hCache{h: h},
		Builder:     hBuilder{h: h},
		Installer:   hInstaller{h: h},
		Publisher:   hPublisher{h: h},
		Persistence: hPersistence{h: h},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// cancelledContext returns a context whose Done channel is already
// closed, so Init's blocking wait falls through to shutdown at once.
func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func assertEvents(t *testing.T, got []string, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("event mismatch:\n got %v\nwant %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestInitFreshHostBuildsAndShutsDownInOrder(t *testing.T) {
	h := &harness{requiresRebuild: true}
	o := newOrchestrator(h)

	if err := o.Init(cancelledContext()); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	assertEvents(t, h.events, []string{
		"lock.acquire",
		"modules.unload", // force out stale state
		"unpublish",      // stale mount
		"cache.check",
		"build.run",
		"install",
		"modules.load",
		"persistence.start",
		"publish",
		"persistence.stop",
		"modules.unload",
		"unpublish",
		"lock.release",
	})
}

func TestInitCacheHitReinstallsWithoutRebuild(t *testing.T) {
	h := &harness{
		cached: &pack.Package{
			KernelVersion: "5.10.0",
			Tag:           "official",
			Modules:       kmod.DefaultManifest(),
		},
	}
	o := newOrchestrator(h)

	if err := o.Init(cancelledContext()); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	for _, event := range h.events {
		if event == "build.run" {
			t.Fatalf("valid cached package triggered a rebuild: %v", h.events)
		}
	}
	if !containsEvent(h.events, "install") || !containsEvent(h.events, "modules.load") || !containsEvent(h.events, "publish") {
		t.Fatalf("cache hit skipped reinstall/reload/republish: %v", h.events)
	}
}

func TestInitLockContentionAbortsUntouched(t *testing.T) {
	h := &harness{lockErr: lockfile.ErrAlreadyRunning}
	o := newOrchestrator(h)

	err := o.Init(context.Background())
	if !errors.Is(err, lockfile.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if len(h.events) != 0 {
		t.Fatalf("lock contention touched other state: %v", h.events)
	}
}

func TestInitStaleModulesInUseAborts(t *testing.T) {
	h := &harness{unloadErrs: []error{kmod.ErrInUse}}
	o := newOrchestrator(h)

	err := o.Init(context.Background())
	if !errors.Is(err, kmod.ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}
	if !h.lockReleased {
		t.Fatal("lock not released after pre-setup abort")
	}
	if containsEvent(h.events, "install") {
		t.Fatalf("install ran atop in-use stale modules: %v", h.events)
	}
}

func TestInitBuildFailureReleasesLock(t *testing.T) {
	h := &harness{requiresRebuild: true, buildErr: errors.New("compile exploded")}
	o := newOrchestrator(h)

	if err := o.Init(context.Background()); err == nil {
		t.Fatal("expected init to fail")
	}
	if !h.lockReleased {
		t.Fatal("lock not released after build failure")
	}
	if containsEvent(h.events, "install") || containsEvent(h.events, "modules.load") {
		t.Fatalf("pipeline continued after build failure: %v", h.events)
	}
}

func TestInitLoadFailureIsFatal(t *testing.T) {
	h := &harness{requiresRebuild: true, loadErr: &kmod.LoadError{Module: kmod.ModuleCore, Err: errors.New("exec format error")}}
	o := newOrchestrator(h)

	err := o.Init(context.Background())
	var loadErr *kmod.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if containsEvent(h.events, "persistence.start") || containsEvent(h.events, "publish") {
		t.Fatalf("run continued after load failure: %v", h.events)
	}
	if !h.lockReleased {
		t.Fatal("lock not released after fatal load failure")
	}
}

func TestInitPublishFailureTearsDown(t *testing.T) {
	h := &harness{requiresRebuild: true, publishErr: errors.New("mount: permission denied")}
	o := newOrchestrator(h)

	if err := o.Init(context.Background()); err == nil {
		t.Fatal("expected init to fail")
	}
	if !containsEvent(h.events, "persistence.stop") {
		t.Fatalf("publish failure skipped teardown: %v", h.events)
	}
	if !h.lockReleased {
		t.Fatal("lock not released after teardown")
	}
}

func TestShutdownInUseLeavesLockHeld(t *testing.T) {
	// First unload clears stale state; the second, during shutdown,
	// finds an external consumer attached.
	h := &harness{requiresRebuild: true, unloadErrs: []error{nil, kmod.ErrInUse}}
	o := newOrchestrator(h)

	err := o.Init(cancelledContext())
	if !errors.Is(err, kmod.ErrInUse) {
		t.Fatalf("expected ErrInUse from shutdown, got %v", err)
	}
	if h.lockReleased {
		t.Fatal("lock released despite aborted shutdown")
	}
	// The mount stays up too: unpublish must not run after a refused
	// unload.
	last := h.events[len(h.events)-1]
	if last != "modules.unload" {
		t.Fatalf("shutdown continued past refused unload: %v", h.events)
	}
}

func TestInitBlocksUntilSignal(t *testing.T) {
	h := &harness{requiresRebuild: true}
	o := newOrchestrator(h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- o.Init(ctx)
	}()

	select {
	case err := <-done:
		t.Fatalf("init returned before termination signal: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("init failed after signal: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("init did not shut down after signal")
	}
}

func TestUpdateOnlyTouchesCache(t *testing.T) {
	h := &harness{requiresRebuild: true}
	o := newOrchestrator(h)

	if err := o.Update(context.Background()); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	assertEvents(t, h.events, []string{
		"lock.acquire",
		"cache.check",
		"build.run",
		"lock.release",
	})
}

func TestUpdateCacheHitSkipsBuild(t *testing.T) {
	h := &harness{cached: &pack.Package{KernelVersion: "5.10.0", Tag: "official"}}
	o := newOrchestrator(h)

	if err := o.Update(context.Background()); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if containsEvent(h.events, "build.run") {
		t.Fatalf("update rebuilt despite valid cache: %v", h.events)
	}
}

func TestUpdateBuildFailure(t *testing.T) {
	h := &harness{requiresRebuild: true, buildErr: errors.New("no kernel headers")}
	o := newOrchestrator(h)

	if err := o.Update(context.Background()); err == nil {
		t.Fatal("expected update to fail")
	}
	if !h.lockReleased {
		t.Fatal("lock not released after failed update")
	}
}

func containsEvent(events []string, want string) bool {
	for _, event := range events {
		if strings.HasPrefix(event, want) {
			return true
		}
	}
	return false
}
