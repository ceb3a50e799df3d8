package pack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/kernelpack/drivermgr/internal/logging"
)

// Verifier checks a cached fragment against the running kernel, usually
// by invoking the packaging tool in verify mode.
type Verifier interface {
	Verify(ctx context.Context, fragmentPath string) error
}

// Cache stores one built driver package per kernel version under
// BaseDir. Entries are written atomically and superseded whole.
type Cache struct {
	BaseDir  string
	Verifier Verifier
	Logger   *slog.Logger
}

func (c *Cache) logger() *slog.Logger {
	return logging.Ensure(c.Logger)
}

// EntryDir returns the directory holding the cache entry for the given
// kernel version.
func (c *Cache) EntryDir(kernelVersion string) string {
	return filepath.Join(c.BaseDir, kernelVersion)
}

// Lookup returns the cached package for the kernel version, or nil when
// no entry exists.
func (c *Cache) Lookup(kernelVersion string) (*Package, error) {
	data, err := os.ReadFile(filepath.Join(c.EntryDir(kernelVersion), ManifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cached manifest: %w", err)
	}

	var pkg Package
	if err := yaml.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("decode cached manifest for %s: %w", kernelVersion, err)
	}
	return &pkg, nil
}

// RequiresRebuild reports whether the cache holds no usable package for
// the kernel version: either no entry exists, or one of the cached
// fragments fails verification against the live kernel.
func (c *Cache) RequiresRebuild(ctx context.Context, kernelVersion string) (bool, error) {
	logger := c.logger().With("kernel", kernelVersion)

	pkg, err := c.Lookup(kernelVersion)
	if err != nil {
		return false, err
	}
	if pkg == nil {
		logger.Info("no cached package")
		return true, nil
	}

	entryDir := c.EntryDir(kernelVersion)
	for _, fragment := range pkg.Fragments {
		if err := c.Verifier.Verify(ctx, filepath.Join(entryDir, fragment.Object)); err != nil {
			logger.Info("cached fragment failed verification", "fragment", fragment.Name, "error", err)
			return true, nil
		}
	}

	logger.Info("cached package is valid", "tag", pkg.Tag)
	return false, nil
}

// Store persists a freshly built package: the fragment objects and
// signature sidecars are copied out of srcDir and the manifest written,
// all into a temporary directory that is renamed over the final entry.
// A stale entry for the same kernel version is superseded atomically;
// nothing is written when any step fails.
func (c *Cache) Store(kernelVersion string, pkg *Package, srcDir string) error {
	if pkg == nil {
		return errors.New("cannot store nil package")
	}
	if err := os.MkdirAll(c.BaseDir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tmpDir, err := os.MkdirTemp(c.BaseDir, kernelVersion+".tmp-*")
	if err != nil {
		return fmt.Errorf("create staging entry: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	for _, fragment := range pkg.Fragments {
		if err := copyFile(filepath.Join(srcDir, fragment.Object), filepath.Join(tmpDir, fragment.Object)); err != nil {
			return fmt.Errorf("stage fragment %s: %w", fragment.Name, err)
		}
		if fragment.Signature != "" {
			if err := copyFile(filepath.Join(srcDir, fragment.Signature), filepath.Join(tmpDir, fragment.Signature)); err != nil {
				return fmt.Errorf("stage signature for %s: %w", fragment.Name, err)
			}
		}
	}

	manifest, err := yaml.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, ManifestFile), manifest, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	entryDir := c.EntryDir(kernelVersion)
	if err := os.RemoveAll(entryDir); err != nil {
		return fmt.Errorf("remove stale entry: %w", err)
	}
	if err := os.Rename(tmpDir, entryDir); err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}

	c.logger().Info("package stored", "kernel", kernelVersion, "tag", pkg.Tag, "fragments", len(pkg.Fragments))
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
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
