package pack

import (
	"context"
	"log/slog"

	"github.com/kernelpack/drivermgr/internal/kmod"
)

// DefaultPackagerCommand is the external packaging tool. It supports
// pack, unpack, and verify modes over driver package fragments.
const DefaultPackagerCommand = "drivermgr-pkg"

// ToolPackager shells out to the packaging tool for all three modes.
// Verify satisfies the cache's Verifier; Pack and Unpack serve the build
// and install pipelines.
type ToolPackager struct {
	Command string
	Runner  kmod.Runner
	Logger  *slog.Logger
}

func (p *ToolPackager) command() string {
	if p.Command != "" {
		return p.Command
	}
	return DefaultPackagerCommand
}

// Pack assembles the named objects (and signature sidecars) into a
// package layout under destDir.
func (p *ToolPackager) Pack(ctx context.Context, destDir string, objects []string, signatures map[string]string) error {
	args := []string{"pack", "--out", destDir}
	for _, object := range objects {
		args = append(args, object)
		if signature, ok := signatures[object]; ok {
			args = append(args, "--signature", signature)
		}
	}
	return p.Runner.Run(ctx, p.command(), args...)
}

// Unpack extracts a cached package entry into destDir.
func (p *ToolPackager) Unpack(ctx context.Context, entryDir, destDir string) error {
	return p.Runner.Run(ctx, p.command(), "unpack", "--in", entryDir, "--out", destDir)
}

// Verify checks a cached fragment against the running kernel's module
// list; a non-zero exit means the fragment no longer matches.
func (p *ToolPackager) Verify(ctx context.Context, fragmentPath string) error {
	return p.Runner.Run(ctx, p.command(), "verify", fragmentPath)
}
