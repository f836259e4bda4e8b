package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X evalgo.org/mockcloud/internal/version.Version=..."
// at release time. Unset values fall back to the module build info.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// SDCVersion is the platform version stamped on nodes whose payload and
// configuration name none.
const SDCVersion = "7.0"

// Info describes the running mockcloud binary.
type Info struct {
	Version    string `json:"version"`
	Module     string `json:"module,omitempty"`
	BuildTime  string `json:"build_time"`
	GitCommit  string `json:"git_commit"`
	Modified   bool   `json:"modified,omitempty"`
	SDCVersion string `json:"sdc_version"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

func Get() Info {
	info := Info{
		Version:    Version,
		BuildTime:  BuildTime,
		GitCommit:  GitCommit,
		SDCVersion: SDCVersion,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.merge(bi)
	}
	return info
}

// merge fills the fields ldflags left unset from the embedded build info.
func (i *Info) merge(bi *debug.BuildInfo) {
	i.Module = bi.Main.Path
	if i.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		i.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if i.GitCommit == "unknown" {
				i.GitCommit = shortRevision(s.Value)
			}
		case "vcs.time":
			if i.BuildTime == "unknown" {
				i.BuildTime = s.Value
			}
		case "vcs.modified":
			i.Modified = s.Value == "true"
		}
	}
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func (i Info) String() string {
	commit := i.GitCommit
	if i.Modified {
		commit += ", modified"
	}
	return fmt.Sprintf("mockcloud %s (%s) built at %s on %s, SDC %s",
		i.Version,
		commit,
		i.BuildTime,
		i.Platform,
		i.SDCVersion,
	)
}
