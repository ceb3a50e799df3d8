// Package kmod inspects and transitions the load state of the driver's
// kernel modules. State is always read from the live kernel at the
// moment of each decision; nothing is cached across operations, because
// external consumers can change it at any time.
package kmod

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultProcModules is the kernel's module table.
const DefaultProcModules = "/proc/modules"

// ModuleSpec declares one kernel module of the driver and its
// dependencies on other modules in the same set.
type ModuleSpec struct {
	Name     string   `yaml:"name"`
	Requires []string `yaml:"requires,omitempty"`
}

// Manifest is the driver's full module set, listed in dependency order:
// every module appears after the modules it requires.
type Manifest []ModuleSpec

// Names returns the module names in manifest order.
func (m Manifest) Names() []string {
	names := make([]string, len(m))
	for i, spec := range m {
		names[i] = spec.Name
	}
	return names
}

// Dependents returns the names of manifest modules that declare a
// dependency on name.
func (m Manifest) Dependents(name string) []string {
	var dependents []string
	for _, spec := range m {
		for _, req := range spec.Requires {
			if req == name {
				dependents = append(dependents, spec.Name)
			}
		}
	}
	return dependents
}

// ModuleState is one observation of a module in the running kernel.
type ModuleState struct {
	Loaded   bool
	Refcount uint
	// Holders lists the loaded modules the kernel reports as using this
	// one.
	Holders []string
}

// Inspector reads live kernel module state.
type Inspector interface {
	// State reports the current state of the named module. The result
	// reflects the kernel at call time and must not be reused for later
	// decisions.
	State(name string) (ModuleState, error)
}

// ProcInspector reads module state from a /proc/modules style table.
type ProcInspector struct {
	// Path of the module table; DefaultProcModules when empty.
	Path string
}

// State implements Inspector by rescanning the module table.
func (p *ProcInspector) State(name string) (ModuleState, error) {
	path := p.Path
	if path == "" {
		path = DefaultProcModules
	}

	file, err := os.Open(path)
	if err != nil {
		return ModuleState{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	// Module names use underscores in the kernel table even when loaded
	// with dashes.
	want := normalizeName(name)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		state, ok, err := parseModulesLine(scanner.Text(), want)
		if err != nil {
			return ModuleState{}, err
		}
		if ok {
			return state, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return ModuleState{}, fmt.Errorf("scan %s: %w", path, err)
	}
	return ModuleState{}, nil
}

// parseModulesLine decodes one table row of the form
//
//	name size refcount holder1,holder2, state offset
//
// and reports whether it matched the wanted module.
func parseModulesLine(line, want string) (ModuleState, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		if strings.TrimSpace(line) == "" {
			return ModuleState{}, false, nil
		}
		return ModuleState{}, false, fmt.Errorf("malformed modules line %q", line)
	}
	if normalizeName(fields[0]) != want {
		return ModuleState{}, false, nil
	}

	refcount, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return ModuleState{}, false, fmt.Errorf("module %s: bad refcount %q", fields[0], fields[2])
	}

	var holders []string
	if fields[3] != "-" {
		for _, holder := range strings.Split(fields[3], ",") {
			if holder != "" {
				holders = append(holders, holder)
			}
		}
	}

	return ModuleState{Loaded: true, Refcount: uint(refcount), Holders: holders}, true, nil
}

func normalizeName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}
