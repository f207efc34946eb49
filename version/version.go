// Package version holds the build version string reported by the
// remotetaskd binary, the same standalone-package convention the
// teacher uses so release tooling can stamp it with -ldflags at build
// time without touching any other source file.
package version

// Version is overwritten at build time via -ldflags
// "-X github.com/lineageos/carservice-remotetaskd/version.Version=...".
var Version = "0.1.0-dev"
