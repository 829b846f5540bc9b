// Package buildinfo carries the version stamp of the docexpr binary.
package buildinfo

import "fmt"

// BuildInfo holds the version, the commit and the build date of an executable, set at link time.
type BuildInfo struct {
	Version    string
	CommitHash string
	BuildDate  string
}

// String returns the build info as a string.
func (i BuildInfo) String() string {
	return fmt.Sprintf("docexpr version %s (%s) built on %s", i.Version, i.CommitHash, i.BuildDate)
}
