package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func restoreVersion(t *testing.T) {
	origVersion, origRevision, origBuildDate := Version, Revision, BuildDate
	t.Cleanup(func() {
		Version, Revision, BuildDate = origVersion, origRevision, origBuildDate
	})
}

func vcs(kv ...string) []debug.BuildSetting {
	var settings []debug.BuildSetting
	for i := 0; i+1 < len(kv); i += 2 {
		settings = append(settings, debug.BuildSetting{Key: kv[i], Value: kv[i+1]})
	}
	return settings
}

func TestStrings(t *testing.T) {
	restoreVersion(t)
	Version, Revision, BuildDate = "1.2.3", "0123456789abcdef", ""

	assert.Equal(t, "1.2.3 (0123456)", Short())
	assert.Equal(t, "syncrelay 1.2.3 (0123456)", ShortWithApp())
	assert.Equal(t, "1.2.3 (0123456; "+runtime.Version()+"; "+runtime.GOOS+"/"+runtime.GOARCH+")", Detailed())

	BuildDate = "2025-01-01T00:00:00Z"
	assert.True(t, strings.HasSuffix(Detailed(), "; 2025-01-01T00:00:00Z)"))
	assert.True(t, strings.HasPrefix(DetailedWithApp(), "syncrelay 1.2.3 ("))
}

func TestShortRevisionKeepsDirtyMarker(t *testing.T) {
	restoreVersion(t)
	Revision = "abcdef1234567890-dirty"
	assert.Equal(t, "abcdef1-dirty", shortRevision())

	Revision = unknownRev
	assert.Equal(t, "HEAD", shortRevision())
}

func TestFromBuildInfo_FillsDefaults(t *testing.T) {
	restoreVersion(t)
	Version, Revision, BuildDate = devVersion, unknownRev, ""

	fromBuildInfo("v9.9.9", vcs(
		"vcs.revision", "abcdef1234567890",
		"vcs.modified", "true",
		"vcs.time", "2025-12-12T01:00:00Z",
	))

	assert.Equal(t, "9.9.9", Version)
	assert.Equal(t, "abcdef1234567890-dirty", Revision)
	assert.Equal(t, "2025-12-12T01:00:00Z", BuildDate)
}

func TestFromBuildInfo_LinkerValuesWin(t *testing.T) {
	restoreVersion(t)
	Version, Revision, BuildDate = "1.2.3", "deadbeef", "from-ldflags"

	fromBuildInfo("v9.9.9", vcs("vcs.revision", "abcdef", "vcs.time", "2025-12-12T01:00:00Z"))

	assert.Equal(t, "1.2.3", Version)
	assert.Equal(t, "deadbeef", Revision)
	assert.Equal(t, "from-ldflags", BuildDate)
}

func TestFromBuildInfo_IgnoresDevelModule(t *testing.T) {
	restoreVersion(t)
	Version = devVersion

	fromBuildInfo("(devel)", nil)
	assert.Equal(t, devVersion, Version)
}
