// Package lockfile implements the host-wide singleton lock that
// serializes driver lifecycle runs. The lock is an exclusive flock on a
// well-known file; the holder's pid is written into the file for
// diagnostics only, ownership is carried entirely by the kernel lock.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kernelpack/drivermgr/internal/logging"
)

// ErrAlreadyRunning indicates another lifecycle run holds the lock. The
// caller must abort without touching any other state.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Handle is the ownership token over the singleton lock. It is valid
// from a successful Acquire until Release.
type Handle struct {
	path string
	file *os.File

	releaseOnce sync.Once
	releaseErr  error

	logger *slog.Logger
}

// Acquire takes the exclusive lock at path, creating the file if absent.
// A held lock surfaces as ErrAlreadyRunning.
func Acquire(path string, logger *slog.Logger) (*Handle, error) {
	logger = logging.Ensure(logger).With("lock", path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	// Record the owning pid for operators inspecting a stuck host.
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	logger.Debug("singleton lock acquired", "pid", os.Getpid())
	return &Handle{path: path, file: file, logger: logger}, nil
}

// Release removes the lock file and drops the flock. It is idempotent;
// every exit path may call it unconditionally.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.releaseOnce.Do(func() {
		if err := os.Remove(h.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.releaseErr = fmt.Errorf("remove lock file: %w", err)
			return
		}
		if err := h.file.Close(); err != nil {
			h.releaseErr = fmt.Errorf("close lock file: %w", err)
			return
		}
		h.logger.Debug("singleton lock released")
	})
	return h.releaseErr
}
