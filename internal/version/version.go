package version

import "fmt"

// Program is the canonical binary name, used in version output and as the
// HTTP User-Agent prefix.
const Program = "balrogscript"

var (
	// Version is the semantic version of the build. It can be overridden via ldflags.
	Version = "1.0.0"
	// Commit is the short git SHA embedded at build time (or "none").
	Commit = "none"
	// BuildTime is the UTC build timestamp embedded at build time.
	BuildTime = "unknown"
)

// Short returns only the semantic version string.
func Short() string {
	return Version
}

// Full returns a human-readable version string with commit and build time.
func Full() string {
	return fmt.Sprintf("%s version: %s, commit: %s, built at: %s", Program, Version, Commit, BuildTime)
}

// UserAgent identifies this build in outgoing HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", Program, Version)
}
