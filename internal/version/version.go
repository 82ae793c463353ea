// Package version exposes the build version embedded by the Go toolchain.
package version

import "runtime/debug"

// Version is overridable at link time for release builds.
var Version = ""

// BuildVersion returns the release version, the module version from build
// info, or "dev" for local builds.
func BuildVersion() string {
	if Version != "" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
