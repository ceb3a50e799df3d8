package orchestrator

import (
	"log/slog"
	"path/filepath"

	"github.com/kernelpack/drivermgr/internal/build"
	"github.com/kernelpack/drivermgr/internal/config"
	"github.com/kernelpack/drivermgr/internal/install"
	"github.com/kernelpack/drivermgr/internal/kmod"
	"github.com/kernelpack/drivermgr/internal/lockfile"
	"github.com/kernelpack/drivermgr/internal/pack"
	"github.com/kernelpack/drivermgr/internal/persistence"
	"github.com/kernelpack/drivermgr/internal/publish"
)

// New wires an Orchestrator against the real host: flock singleton
// lock, /proc/modules inspector, external build and packaging tools,
// and mount syscalls.
func New(cfg config.Config, logger *slog.Logger) *Orchestrator {
	runner := &kmod.ExecRunner{Logger: logger.With("component", "exec")}

	packager := &pack.ToolPackager{Runner: runner, Logger: logger.With("component", "packager")}
	cache := &pack.Cache{
		BaseDir:  cfg.CacheDir,
		Verifier: packager,
		Logger:   logger.With("component", "cache"),
	}

	return &Orchestrator{
		Cfg:    cfg,
		Locker: fileLocker{path: cfg.LockPath, logger: logger},
		Modules: &kmod.Manager{
			Inspector: &kmod.ProcInspector{},
			Runner:    runner,
			Logger:    logger.With("component", "kmod"),
		},
		Cache: cache,
		Builder: &build.Pipeline{
			Cfg: cfg,
			Provisioner: &build.EnvProvisioner{
				WorkDir: filepath.Join(config.DefaultStateDir, "buildenv"),
				Runner:  runner,
				Logger:  logger.With("component", "buildenv"),
			},
			Compiler: &build.MakeCompiler{Runner: runner, Logger: logger.With("component", "compiler")},
			Signer:   &build.FileSigner{Runner: runner, Logger: logger.With("component", "signer")},
			Packer:   packager,
			Store:    cache,
			Logger:   logger.With("component", "build"),
		},
		Installer: &install.Installer{
			Cfg:      cfg,
			Unpacker: packager,
			Relinker: &install.ArchivedRelinker{Runner: runner, Logger: logger.With("component", "relink")},
			Logger:   logger.With("component", "install"),
		},
		Publisher: &publish.Publisher{
			Source: cfg.DriverRoot,
			Target: cfg.RunRoot,
			Logger: logger.With("component", "publish"),
		},
		Persistence: &persistence.Daemon{
			PidFile: cfg.PersistencePidFile,
			Runner:  runner,
			Logger:  logger.With("component", "persistence"),
		},
		Logger: logger.With("component", "orchestrator"),
	}
}

type fileLocker struct {
	path   string
	logger *slog.Logger
}

func (l fileLocker) Acquire() (Lock, error) {
	handle, err := lockfile.Acquire(l.path, l.logger)
	if err != nil {
		return nil, err
	}
	return handle, nil
}
