package kmod

// Module names of the managed driver.
const (
	ModuleCore    = "kpdrv"
	ModuleUVM     = "kpdrv_uvm"
	ModuleModeset = "kpdrv_modeset"
	ModuleDRM     = "kpdrv_drm"
)

// DefaultManifest is the driver's declared module set in dependency
// order. Packages built by the build pipeline record this manifest; it
// is also the set consulted when clearing stale state from a previous
// run.
func DefaultManifest() Manifest {
	return Manifest{
		{Name: ModuleCore},
		{Name: ModuleUVM, Requires: []string{ModuleCore}},
		{Name: ModuleModeset, Requires: []string{ModuleCore}},
		{Name: ModuleDRM, Requires: []string{ModuleCore, ModuleModeset}},
	}
}
