// Package version reports build metadata for the client and server binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const (
	AppName    = "syncrelay"
	devVersion = "0.1.0-dev"
	unknownRev = "HEAD"
)

// Overridden on release builds:
//
//	-ldflags "-X github.com/syncrelay/syncrelay/internal/version.Version=1.0.0"
var (
	Version   = devVersion
	Revision  = unknownRev
	BuildDate = ""
)

// fromBuildInfo fills values the linker did not set from the module version
// and VCS stamps embedded by the go tool.
func fromBuildInfo(mainVersion string, settings []debug.BuildSetting) {
	vcs := make(map[string]string, len(settings))
	for _, s := range settings {
		vcs[s.Key] = s.Value
	}

	if Version == devVersion && mainVersion != "" && mainVersion != "(devel)" {
		Version = strings.TrimPrefix(mainVersion, "v")
	}
	if rev := vcs["vcs.revision"]; Revision == unknownRev && rev != "" {
		if vcs["vcs.modified"] == "true" {
			rev += "-dirty"
		}
		Revision = rev
	}
	if BuildDate == "" {
		BuildDate = vcs["vcs.time"]
	}
}

func shortRevision() string {
	rev, dirty := strings.CutSuffix(Revision, "-dirty")
	if len(rev) > 7 {
		rev = rev[:7]
	}
	if dirty {
		rev += "-dirty"
	}
	return rev
}

// Short is `0.1.0 (5e23a4f)`.
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, shortRevision())
}

// ShortWithApp is `syncrelay 0.1.0 (5e23a4f)`.
func ShortWithApp() string {
	return AppName + " " + Short()
}

// Detailed is `0.1.0 (5e23a4f; go1.24.0; linux/amd64; 2025-01-01T00:00:00Z)`. The
// build date is omitted when unknown.
func Detailed() string {
	parts := []string{shortRevision(), runtime.Version(), runtime.GOOS + "/" + runtime.GOARCH}
	if BuildDate != "" {
		parts = append(parts, BuildDate)
	}
	return fmt.Sprintf("%s (%s)", Version, strings.Join(parts, "; "))
}

func DetailedWithApp() string {
	return AppName + " " + Detailed()
}

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		fromBuildInfo(info.Main.Version, info.Settings)
	}
}
