package kmod

import (
	"errors"
	"fmt"
)

// ErrInUse indicates a module cannot be unloaded because live references
// remain. Recoverable: the caller may retry later once consumers detach.
var ErrInUse = errors.New("module is in use")

// LoadError reports a kernel refusal to load a module. Modules loaded
// earlier in the same call stay loaded; the partial state is described
// rather than rolled back, since a forced unload risks deeper failure.
type LoadError struct {
	Module string
	Loaded []string
	Err    error
}

func (e *LoadError) Error() string {
	if len(e.Loaded) == 0 {
		return fmt.Sprintf("load module %s: %v", e.Module, e.Err)
	}
	return fmt.Sprintf("load module %s (already loaded: %v): %v", e.Module, e.Loaded, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
