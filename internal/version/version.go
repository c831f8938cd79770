// Package version carries the build metadata stamped into the creditd and
// creditreset binaries.
package version

// Overridden at link time, e.g.
// -ldflags "-X .../internal/version.Commit=$(git rev-parse --short HEAD)".
var (
	Version = "v0.1.0"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// Info returns just the semantic version.
func Info() string {
	return Version
}

// FullInfo is the one-line build description logged at daemon startup.
func FullInfo() string {
	return "version=" + Version + " commit=" + Commit + " built_at=" + BuiltAt
}
