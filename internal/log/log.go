// Package log centralizes hclog.Logger construction so every component
// constructor takes a named sub-logger the way the teacher threads
// hclog.Logger through NewFingerprintManager, newHeartbeatStop, etc.
package log

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// New returns the root logger for the remotetaskd process.
func New(level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "remotetaskd",
		Level:  hclog.LevelFromString(level),
		Output: os.Stderr,
	})
}

// Named returns a child logger for one component, e.g. Named(root, "dispatch").
func Named(root hclog.Logger, component string) hclog.Logger {
	return root.Named(component)
}

// NoopForTest returns a discarding logger for tests that don't care about
// log output.
func NoopForTest() hclog.Logger {
	return hclog.NewNullLogger()
}
