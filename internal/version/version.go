// Package version holds build metadata, set with -ldflags -X at release time.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build metadata for the version command.
func String() string {
	return fmt.Sprintf("motionflow %s (%s, built %s)", Version, GitSHA, BuildTime)
}
