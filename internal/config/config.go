// Package config resolves the run configuration for a driver lifecycle
// invocation. All values are read once at command start and threaded
// explicitly through the components; nothing here is consulted again
// after Load returns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Environment variables consumed by Load.
const (
	EnvDriverVersion = "DRIVER_VERSION"
	EnvKernelVersion = "KERNEL_VERSION"
	EnvAcceptLicense = "ACCEPT_LICENSE"
	EnvSigningKey    = "SIGNING_KEY"
	EnvPackageTag    = "PACKAGE_TAG"
	EnvMaxThreads    = "MAX_THREADS"
)

// Default filesystem locations. Tests override the Config fields directly.
const (
	DefaultRunDir   = "/run/drivermgr"
	DefaultStateDir = "/var/lib/drivermgr"
	DefaultRootDir  = "/opt/drivermgr"

	DefaultPackageTag = "official"
)

// Overrides carries CLI flag values that take precedence over the
// environment.
type Overrides struct {
	KernelVersion   string
	SigningKey      string
	PackageTag      string
	MaxThreads      int
	LicenseAccepted bool
}

// Config is the fully resolved configuration for one orchestrator run.
type Config struct {
	// DriverVersion identifies the driver release being managed. Required.
	DriverVersion string
	// KernelVersion is the target kernel release. Defaults to the running
	// kernel.
	KernelVersion string
	// RunningKernel is the release of the kernel this process executes on.
	RunningKernel string

	LicenseAccepted bool
	SigningKey      string
	PackageTag      string
	MaxThreads      int

	// LockPath is the singleton lock file shared by all instances on the
	// host.
	LockPath string
	// CacheDir holds one packaged driver build per kernel version.
	CacheDir string
	// StagingDir receives unpacked and relinked fragments before install.
	StagingDir string
	// DriverRoot is the assembled per-driver-version root filesystem.
	DriverRoot string
	// RunRoot is the runtime location other containers consume; DriverRoot
	// is bind-mounted here.
	RunRoot string
	// PersistencePidFile is written by the persistence daemon on startup.
	PersistencePidFile string
}

// Load resolves the configuration from the environment and the provided
// flag overrides. It fails fast when the required driver version is not
// set.
func Load(overrides Overrides) (Config, error) {
	driverVersion := strings.TrimSpace(os.Getenv(EnvDriverVersion))
	if driverVersion == "" {
		return Config{}, fmt.Errorf("environment variable %s is required", EnvDriverVersion)
	}

	running, err := RunningKernelRelease()
	if err != nil {
		return Config{}, fmt.Errorf("detect running kernel: %w", err)
	}

	cfg := Config{
		DriverVersion: driverVersion,
		KernelVersion: firstNonEmpty(
			overrides.KernelVersion,
			strings.TrimSpace(os.Getenv(EnvKernelVersion)),
			running,
		),
		RunningKernel:   running,
		LicenseAccepted: overrides.LicenseAccepted || envBool(EnvAcceptLicense),
		SigningKey:      firstNonEmpty(overrides.SigningKey, os.Getenv(EnvSigningKey)),
		PackageTag:      firstNonEmpty(overrides.PackageTag, os.Getenv(EnvPackageTag), DefaultPackageTag),
		MaxThreads:      overrides.MaxThreads,

		LockPath:           filepath.Join(DefaultRunDir, "drivermgr.lock"),
		CacheDir:           filepath.Join(DefaultStateDir, "cache"),
		StagingDir:         filepath.Join(DefaultStateDir, "stage"),
		DriverRoot:         filepath.Join(DefaultRootDir, driverVersion),
		RunRoot:            filepath.Join(DefaultRunDir, "driver"),
		PersistencePidFile: filepath.Join(DefaultRunDir, "persistenced.pid"),
	}

	if cfg.MaxThreads == 0 {
		if raw := strings.TrimSpace(os.Getenv(EnvMaxThreads)); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				return Config{}, fmt.Errorf("invalid %s value %q", EnvMaxThreads, raw)
			}
			cfg.MaxThreads = parsed
		}
	}
	if cfg.MaxThreads == 0 {
		cfg.MaxThreads = runtime.NumCPU()
	}

	return cfg, nil
}

// RunningKernelRelease reports the release string of the booted kernel.
func RunningKernelRelease() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(uts.Release[:]), nil
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "accepted":
		return true
	default:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
