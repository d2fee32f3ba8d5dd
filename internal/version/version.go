// Package version holds build-time identifiers, overridable via
// -ldflags "-X ...", surfaced by the health endpoint.
package version

var (
	// Revision is the build's version tag or short git hash.
	Revision = "dev"

	// Commit is the full git commit hash of the build.
	Commit = "unknown"

	// BuildTime is when the binary was built, RFC3339.
	BuildTime = "unknown"
)
