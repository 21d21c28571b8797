// Package stale decides whether a derived artifact must be rebuilt by
// comparing file modification times.
package stale

import (
	"os"
	"time"
)

// RebuildRequired reports whether artifact must be regenerated from input.
//
// A missing artifact always needs a rebuild. A missing input never forces
// one, since there is nothing to compare against. Otherwise the artifact is
// stale only if the input was modified strictly later; equal timestamps are
// considered up to date.
func RebuildRequired(artifact, input string) bool {
	artifactTime, ok := modTime(artifact)
	if !ok {
		return true
	}
	inputTime, ok := modTime(input)
	if !ok {
		return false
	}
	return inputTime.After(artifactTime)
}

// AnyNewer reports whether RebuildRequired holds for artifact against at
// least one of inputs.
func AnyNewer(artifact string, inputs ...string) bool {
	for _, input := range inputs {
		if RebuildRequired(artifact, input) {
			return true
		}
	}
	return false
}

// Exists reports whether path can be stat'ed.
func Exists(path string) bool {
	_, ok := modTime(path)
	return ok
}

func modTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}
