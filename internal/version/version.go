// Package version reports the build version of the dataserver binaries.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/dataserver"

// buildVersion is set via -ldflags "-X pkt.systems/dataserver/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Version   string
	Module    string
	GoVersion string
	Revision  string
	Modified  bool
}

// Current returns the best available version string.
func Current() string {
	if strings.TrimSpace(buildVersion) != "" {
		return buildVersion
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		return fromBuildInfo(info)
	}
	return "v0.0.0-unknown"
}

// Read collects the version, module and VCS stamp of the running binary.
func Read() Info {
	out := Info{
		Version:   Current(),
		Module:    defaultModule,
		GoVersion: runtime.Version(),
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	if path := strings.TrimSpace(info.Main.Path); path != "" {
		out.Module = path
	}
	vcs := readVCS(info)
	out.Revision = vcs.revision
	out.Modified = vcs.modified
	return out
}

func fromBuildInfo(info *debug.BuildInfo) string {
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := pseudoVersion(readVCS(info)); v != "" {
		return v
	}
	return "v0.0.0-unknown"
}

type vcsStamp struct {
	revision string
	time     string
	modified bool
}

func readVCS(info *debug.BuildInfo) vcsStamp {
	var s vcsStamp
	if info == nil {
		return s
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			s.revision = setting.Value
		case "vcs.time":
			s.time = setting.Value
		case "vcs.modified":
			s.modified = setting.Value == "true"
		}
	}
	return s
}

// pseudoVersion formats a Go-style pseudo version from a VCS stamp.
func pseudoVersion(s vcsStamp) string {
	if s.revision == "" || s.time == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, s.time)
	if err != nil {
		return ""
	}
	rev := s.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
	if s.modified {
		ver += "+dirty"
	}
	return ver
}
