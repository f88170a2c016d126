// Package version exposes build metadata for the version command.
package version

// Stamped at build time via -ldflags; the defaults cover plain
// go-build binaries.
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
