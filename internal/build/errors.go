package build

import "fmt"

// BuildError reports a failed stage of the build pipeline. Fatal to the
// current invocation; the package cache is left untouched.
type BuildError struct {
	Stage string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build stage %s: %v", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}
