// Package version carries build identification, injected with -ldflags at
// release time and reported by the /api/status endpoint.
package version

var (
	// Version is the suite release version.
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)
