// Package buildinfo holds version metadata stamped at compile time via
// -ldflags, used for startup logging and the outbound User-Agent header.
package buildinfo

import "fmt"

// Version, GitCommit and BuildTime are overwritten at build time via
// -ldflags "-X ...". Left as "dev"/"unknown" for local builds.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String returns a one-line summary suitable for the startup log line.
func String() string {
	return fmt.Sprintf("alpha-watch %s (%s) built %s", Version, GitCommit, BuildTime)
}

// UserAgent returns the HTTP User-Agent sent on every outbound request the
// worker makes (page fetch fallback, Spug delivery).
func UserAgent() string {
	return fmt.Sprintf("alpha-watch/%s (+https://github.com/alpha-watch/alpha-watch)", Version)
}
