package buildinfo

import (
	"fmt"
	"runtime"
)

// These values can be overridden at build time with:
// -ldflags "-X github.com/mpataki/conflictscan/internal/buildinfo.Version=v0.3.0"
var Version = "dev"

func String() string {
	return Version
}

// Runtime describes the binary the scan ran under, for scan environments.
func Runtime() string {
	return fmt.Sprintf("conflictscan %s (%s %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
