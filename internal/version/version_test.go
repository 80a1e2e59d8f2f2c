package version

import (
	"runtime/debug"
	"testing"
)

func withBuildInfo(t *testing.T, ldflags string, info *debug.BuildInfo) {
	t.Helper()
	prevVersion, prevRead := version, readBuildInfo
	t.Cleanup(func() { version, readBuildInfo = prevVersion, prevRead })
	version = ldflags
	readBuildInfo = func() (*debug.BuildInfo, bool) { return info, info != nil }
}

func TestString(t *testing.T) {
	tests := []struct {
		name    string
		ldflags string
		info    *debug.BuildInfo
		want    string
	}{
		{"ldflags wins", "v1.2.3", &debug.BuildInfo{Main: debug.Module{Version: "v0.0.1"}}, "v1.2.3"},
		{"no build info", "dev", nil, "dev"},
		{"module version", "dev", &debug.BuildInfo{Main: debug.Module{Version: "v0.4.0"}}, "v0.4.0"},
		{"vcs revision", "dev", &debug.BuildInfo{
			Main: debug.Module{Version: "(devel)"},
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123456789abcdef0123"},
				{Key: "vcs.modified", Value: "true"},
			},
		}, "dev-0123456789ab+dirty"},
		{"devel without vcs", "dev", &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}, "dev"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withBuildInfo(t, tt.ldflags, tt.info)
			if got := String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}
