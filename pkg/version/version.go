package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	// Set at build time with -ldflags, e.g.
	// -X github.com/lkarlslund/duckbridge/pkg/version.Version=vX.Y.Z
	// -X github.com/lkarlslund/duckbridge/pkg/version.Commit=<sha>
	Version = "dev"
	Commit  = ""
	Date    = ""
)

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
}

func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = strings.TrimSpace(s.Value)
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = strings.TrimSpace(s.Value)
			}
		case "vcs.modified":
			info.Dirty = strings.EqualFold(strings.TrimSpace(s.Value), "true")
		}
	}
	return info
}

func String() string {
	v := Current()
	out := v.Version
	if v.Commit != "" {
		short := v.Commit
		if len(short) > 12 {
			short = short[:12]
		}
		out += "+" + short
	}
	if v.Dirty {
		out += "+dirty"
	}
	return out
}

// Detailed renders the banner printed by the version command.
func Detailed() string {
	v := Current()
	out := fmt.Sprintf("duckbridge %s", String())
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	return out
}

// UserAgent identifies duckbridge towards its own callers (response headers), never upstream.
func UserAgent() string {
	return "duckbridge/" + String()
}
