package buildinfo

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	embedded := &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/nugget/jenny-agent", Version: "v0.4.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-05-01T09:30:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	tests := []struct {
		name      string
		stamped   [3]string // Version, GitCommit, BuildTime
		bi        *debug.BuildInfo
		ok        bool
		version   string
		commit    string
		buildTime string
	}{
		{"no build info", [3]string{"dev", "", ""}, nil, false, "dev", "unknown", "unknown"},
		{"embedded vcs", [3]string{"dev", "", ""}, embedded, true, "v0.4.1", "0123456789ab-dirty", "2026-05-01T09:30:00Z"},
		{"ldflags win", [3]string{"1.2.0", "feedface", "2026-05-03"}, embedded, true, "1.2.0", "feedface", "2026-05-03"},
		{"devel main", [3]string{"dev", "", ""}, &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}, true, "dev", "unknown", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldV, oldC, oldB := Version, GitCommit, BuildTime
			Version, GitCommit, BuildTime = tt.stamped[0], tt.stamped[1], tt.stamped[2]
			t.Cleanup(func() { Version, GitCommit, BuildTime = oldV, oldC, oldB })

			info := resolve(tt.bi, tt.ok)
			if info.Version != tt.version || info.GitCommit != tt.commit || info.BuildTime != tt.buildTime {
				t.Errorf("resolve = %+v, want %s/%s/%s", info, tt.version, tt.commit, tt.buildTime)
			}
			if info.GoVersion == "" || !strings.Contains(info.Platform, "/") {
				t.Errorf("runtime fields = %q %q", info.GoVersion, info.Platform)
			}
		})
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, "Jenny/"+Get().Version+" ") {
		t.Errorf("UserAgent = %q", ua)
	}
}
