// Package version carries build information stamped in with -ldflags, e.g.
//
//	-X github.com/embeddedsocial/pipeline/version.Version=v1.4.0
package version //nolint:revive // package name intentionally matches build-info convention

import "fmt"

//nolint:gochecknoglobals // set at build time
var (
	Version = "dev"
	Commit  string
	Date    string
)

// String summarises the build for logs and --version output.
func String() string {
	if Commit == "" {
		return Version
	}
	if Date == "" {
		return fmt.Sprintf("%s (%s)", Version, Commit)
	}
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}
