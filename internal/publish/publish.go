// Package publish exposes the assembled driver root filesystem at the
// shared run-time location through a recursive bind mount, so containers
// sharing the mount namespace observe the installed driver without
// running the orchestrator themselves.
package publish

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/kernelpack/drivermgr/internal/logging"
)

// MountError reports a publish or unpublish failure. During shutdown it
// is logged rather than blocking the remaining teardown steps.
type MountError struct {
	Op  string
	Err error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("%s driver rootfs: %v", e.Op, e.Err)
}

func (e *MountError) Unwrap() error {
	return e.Err
}

// Publisher binds Source onto Target and reverses it on shutdown.
type Publisher struct {
	Source string
	Target string
	Logger *slog.Logger

	// Overridable for tests; nil means the real syscalls.
	mount   func(source, target, fstype string, flags uintptr, data string) error
	unmount func(target string, flags int) error
	mounted func(path string) (bool, error)
}

func (p *Publisher) logger() *slog.Logger {
	return logging.Ensure(p.Logger)
}

func (p *Publisher) mountFn() func(string, string, string, uintptr, string) error {
	if p.mount != nil {
		return p.mount
	}
	return unix.Mount
}

func (p *Publisher) unmountFn() func(string, int) error {
	if p.unmount != nil {
		return p.unmount
	}
	return unix.Unmount
}

func (p *Publisher) mountedFn() func(string) (bool, error) {
	if p.mounted != nil {
		return p.mounted
	}
	return mountinfo.Mounted
}

// Publish makes the mount hierarchy private and recursively bind-mounts
// the driver rootfs onto the run-time target.
func (p *Publisher) Publish() error {
	if err := os.MkdirAll(p.Target, 0o755); err != nil {
		return &MountError{Op: "publish", Err: err}
	}

	// Private propagation keeps the bind from leaking back into the
	// host's mount table when the namespace is shared.
	if err := p.mountFn()("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return &MountError{Op: "publish", Err: fmt.Errorf("make mounts private: %w", err)}
	}
	if err := p.mountFn()(p.Source, p.Target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return &MountError{Op: "publish", Err: fmt.Errorf("bind %s: %w", p.Source, err)}
	}

	p.logger().Info("driver rootfs published", "source", p.Source, "target", p.Target)
	return nil
}

// Unpublish lazily unmounts the run-time target. It is an idempotent
// no-op when the target is not mounted or already gone.
func (p *Publisher) Unpublish() error {
	mounted, err := p.mountedFn()(p.Target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &MountError{Op: "unpublish", Err: err}
	}
	if !mounted {
		p.logger().Debug("driver rootfs not mounted, nothing to unpublish", "target", p.Target)
		return nil
	}

	if err := p.unmountFn()(p.Target, unix.MNT_DETACH); err != nil {
		return &MountError{Op: "unpublish", Err: err}
	}
	p.logger().Info("driver rootfs unpublished", "target", p.Target)
	return nil
}
