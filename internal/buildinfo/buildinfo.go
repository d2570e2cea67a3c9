// Package buildinfo reports what jenny binary is running. Release
// builds stamp the variables below with -ldflags; other builds fall
// back to the module and VCS data the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set with -ldflags "-X github.com/nugget/jenny-agent/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

// Info is served by /v1/version and printed by `jenny version`.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Uptime    string `json:"uptime"`
}

var (
	startTime = time.Now()

	readBuildInfo = debug.ReadBuildInfo

	resolveOnce sync.Once
	resolved    Info
)

// Get returns the build metadata with the current uptime.
func Get() Info {
	resolveOnce.Do(func() {
		bi, ok := readBuildInfo()
		resolved = resolve(bi, ok)
	})
	info := resolved
	info.Uptime = time.Since(startTime).Truncate(time.Second).String()
	return info
}

// resolve merges ldflags values with embedded build info. Stamped
// values win.
func resolve(bi *debug.BuildInfo, ok bool) Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if !ok || bi == nil {
		return info
	}

	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	var revision, vcsTime string
	var modified bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			vcsTime = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if info.GitCommit == "" && revision != "" {
		if len(revision) > 12 {
			revision = revision[:12]
		}
		if modified {
			revision += "-dirty"
		}
		info.GitCommit = revision
	}
	if info.BuildTime == "" {
		info.BuildTime = vcsTime
	}
	if info.GitCommit == "" {
		info.GitCommit = "unknown"
	}
	if info.BuildTime == "" {
		info.BuildTime = "unknown"
	}
	return info
}

// UserAgent is the User-Agent sent on outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("Jenny/%s (+https://github.com/nugget/jenny-agent)", Get().Version)
}

// String returns a one-line summary for logging.
func String() string {
	info := Get()
	return fmt.Sprintf("Jenny %s (%s) built %s", info.Version, info.GitCommit, info.BuildTime)
}
