package pack

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelpack/drivermgr/internal/kmod"
)

type stubVerifier struct {
	failing map[string]error
	calls   []string
}

func (v *stubVerifier) Verify(_ context.Context, fragmentPath string) error {
	v.calls = append(v.calls, fragmentPath)
	if v.failing == nil {
		return nil
	}
	return v.failing[filepath.Base(fragmentPath)]
}

func samplePackage() *Package {
	return &Package{
		Name:          "kpdrv-5.10.0",
		DriverVersion: "550.54.14",
		KernelVersion: "5.10.0",
		Tag:           "official",
		Fragments: []Fragment{
			{Name: "core", Object: "kpdrv.o", Signature: "kpdrv.o.sig"},
			{Name: "modeset", Object: "kpdrv_modeset.o"},
		},
		Modules: kmod.DefaultManifest(),
	}
}

func writeSource(t *testing.T, pkg *Package) string {
	t.Helper()
	srcDir := t.TempDir()
	for _, fragment := range pkg.Fragments {
		require.NoError(t, os.WriteFile(filepath.Join(srcDir, fragment.Object), []byte("object "+fragment.Name), 0o644))
		if fragment.Signature != "" {
			require.NoError(t, os.WriteFile(filepath.Join(srcDir, fragment.Signature), []byte("sig"), 0o644))
		}
	}
	return srcDir
}

func TestStoreLookupRoundTrip(t *testing.T) {
	cache := &Cache{BaseDir: t.TempDir(), Verifier: &stubVerifier{}}
	pkg := samplePackage()

	require.NoError(t, cache.Store(pkg.KernelVersion, pkg, writeSource(t, pkg)))

	got, err := cache.Lookup(pkg.KernelVersion)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pkg, got)

	for _, fragment := range pkg.Fragments {
		assert.FileExists(t, filepath.Join(cache.EntryDir(pkg.KernelVersion), fragment.Object))
		if fragment.Signature != "" {
			assert.FileExists(t, filepath.Join(cache.EntryDir(pkg.KernelVersion), fragment.Signature))
		}
	}
}

func TestLookupMissReturnsNil(t *testing.T) {
	cache := &Cache{BaseDir: t.TempDir(), Verifier: &stubVerifier{}}

	got, err := cache.Lookup("5.10.0")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRequiresRebuildOnMiss(t *testing.T) {
	cache := &Cache{BaseDir: t.TempDir(), Verifier: &stubVerifier{}}

	rebuild, err := cache.RequiresRebuild(context.Background(), "5.10.0")
	require.NoError(t, err)
	assert.True(t, rebuild)
}

func TestRequiresRebuildVerifiesEveryFragment(t *testing.T) {
	verifier := &stubVerifier{}
	cache := &Cache{BaseDir: t.TempDir(), Verifier: verifier}
	pkg := samplePackage()
	require.NoError(t, cache.Store(pkg.KernelVersion, pkg, writeSource(t, pkg)))

	rebuild, err := cache.RequiresRebuild(context.Background(), pkg.KernelVersion)
	require.NoError(t, err)
	assert.False(t, rebuild)
	assert.Len(t, verifier.calls, len(pkg.Fragments))
}

func TestRequiresRebuildOnVerifyFailure(t *testing.T) {
	verifier := &stubVerifier{failing: map[string]error{
		"kpdrv_modeset.o": errors.New("version magic mismatch"),
	}}
	cache := &Cache{BaseDir: t.TempDir(), Verifier: verifier}
	pkg := samplePackage()
	require.NoError(t, cache.Store(pkg.KernelVersion, pkg, writeSource(t, pkg)))

	rebuild, err := cache.RequiresRebuild(context.Background(), pkg.KernelVersion)
	require.NoError(t, err)
	assert.True(t, rebuild)
}

func TestStoreSupersedesStaleEntry(t *testing.T) {
	cache := &Cache{BaseDir: t.TempDir(), Verifier: &stubVerifier{}}

	stale := samplePackage()
	stale.Tag = "stale"
	require.NoError(t, cache.Store(stale.KernelVersion, stale, writeSource(t, stale)))

	fresh := samplePackage()
	fresh.Fragments = fresh.Fragments[:1]
	require.NoError(t, cache.Store(fresh.KernelVersion, fresh, writeSource(t, fresh)))

	got, err := cache.Lookup(fresh.KernelVersion)
	require.NoError(t, err)
	assert.Equal(t, "official", got.Tag)
	assert.Len(t, got.Fragments, 1)
	// The superseded entry's extra fragment is gone with it.
	assert.NoFileExists(t, filepath.Join(cache.EntryDir(fresh.KernelVersion), "kpdrv_modeset.o"))
}

func TestStoreMissingFragmentLeavesNoEntry(t *testing.T) {
	cache := &Cache{BaseDir: t.TempDir(), Verifier: &stubVerifier{}}
	pkg := samplePackage()

	err := cache.Store(pkg.KernelVersion, pkg, t.TempDir())
	require.Error(t, err)

	got, err := cache.Lookup(pkg.KernelVersion)
	require.NoError(t, err)
	assert.Nil(t, got)
}
