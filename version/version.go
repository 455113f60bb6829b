// Package version holds build-time version information.
// These values are overridden at build time via -ldflags.
package version

var (
	// GitRelease is the release tag or commit the binary was built from.
	GitRelease = "dev"

	// GitCommit is the full commit hash.
	GitCommit = ""

	// BuildDate is the UTC build timestamp.
	BuildDate = ""
)
