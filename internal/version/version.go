// Package version holds the build version of the IDS binaries.
// Set at build time: -ldflags '-X github.com/invisible-tech/tiered-ids/internal/version.Version=1.2.3'
package version

// Version is set at build time; default for local builds.
var Version = "0.1.0"

// UserAgent identifies outbound requests made by the IDS.
func UserAgent() string {
	return "tiered-ids/" + Version
}
