// Package citest mirrors the teacher's top-level ci package: a couple of
// thin testing.T helpers used uniformly across the test suite rather than
// calling t.Parallel()/t.Skip() directly everywhere.
package citest

import (
	"os"
	"testing"
)

// Parallel marks t as safe to run in parallel, unless RTD_TEST_SERIAL is
// set (useful when debugging flaky interleavings locally).
func Parallel(t *testing.T) {
	t.Helper()
	if os.Getenv("RTD_TEST_SERIAL") != "" {
		return
	}
	t.Parallel()
}

// SkipSlow skips t unless RTD_TEST_SLOW is set, for tests that sleep
// through real timer durations (e.g. the full wake-window budget).
func SkipSlow(t *testing.T, reason string) {
	t.Helper()
	if os.Getenv("RTD_TEST_SLOW") == "" {
		t.Skipf("skipping slow test: %s (set RTD_TEST_SLOW=1 to run)", reason)
	}
}
