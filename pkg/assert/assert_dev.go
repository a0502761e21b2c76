//go:build !release

// Package assert holds invariant checks that are compiled out of release builds.
package assert

import "fmt"

// That panics with the formatted message when cond is false. Use it for bookkeeping invariants
// that can only break through a bug inside this module, never for caller input validation.
func That(cond bool, format string, args ...any) { //nolint:goprintffuncname // it's ok
	if !cond {
		panic(fmt.Sprintf("invariant violated: "+format, args...))
	}
}
