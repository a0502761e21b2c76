//go:build release

// Package assert holds invariant checks that are compiled out of release builds.
package assert

func That(bool, string, ...any) {} //nolint:goprintffuncname // it's ok
