// Package version holds build information injected with ldflags, e.g.
//
//	go build -ldflags "-X worldcore/pkg/version.Version=v0.3.0" ./cmd/worldcore
package version

import "fmt"

//nolint:gochecknoglobals // ldflags targets
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the build information for -version output.
func String() string {
	return fmt.Sprintf("worldcore %s (commit %s, built %s)", Version, Commit, Date)
}
