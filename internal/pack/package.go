// Package pack defines the driver package artifact and its on-disk
// cache, keyed by kernel version.
package pack

import (
	"github.com/kernelpack/drivermgr/internal/kmod"
)

// ManifestFile is the name of the package descriptor inside a cache
// entry.
const ManifestFile = "manifest.yaml"

// Fragment is one kernel-interface object of a driver package, with an
// optional detached signature sidecar. Paths are relative to the cache
// entry directory.
type Fragment struct {
	Name      string `yaml:"name"`
	Object    string `yaml:"object"`
	Signature string `yaml:"signature,omitempty"`
}

// Package describes one built driver package. A package is immutable
// once stored; a rebuild for the same kernel version supersedes it as a
// whole.
type Package struct {
	Name          string        `yaml:"name"`
	DriverVersion string        `yaml:"driver_version"`
	KernelVersion string        `yaml:"kernel_version"`
	Tag           string        `yaml:"tag"`
	Fragments     []Fragment    `yaml:"fragments"`
	Modules       kmod.Manifest `yaml:"modules"`
}
