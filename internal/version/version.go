// Package version reports the foreman build version.
package version

import (
	"runtime/debug"
)

// version is set at build time via -ldflags "-X foreman/internal/version.version=...".
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo //nolint:gochecknoglobals // test seam

// String returns the ldflags version when set. Otherwise it falls back to
// the module version recorded by `go install`, then to the VCS revision
// (12 chars, "+dirty" for a modified tree), then to "dev".
func String() string {
	if version != "dev" && version != "" {
		return version
	}
	info, ok := readBuildInfo()
	if !ok {
		return "dev"
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return "dev"
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "+dirty"
	}
	return "dev-" + rev
}
