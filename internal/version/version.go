package version

import (
	"fmt"
	"runtime"
)

// Version and Commit are set by ldflags during build
var (
	Version = "dev"
	Commit  = "none"
)

// GetVersion returns the current fleetflash version
func GetVersion() string {
	return Version
}

// String describes the build for the version command
func String() string {
	return fmt.Sprintf("fleetflash %s (commit %s, %s/%s, %s)", Version, Commit, runtime.GOOS, runtime.GOARCH, runtime.Version())
}
