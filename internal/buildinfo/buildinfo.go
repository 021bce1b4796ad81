// Package buildinfo exposes the version metadata stamped into the
// binary at build time, plus a few runtime facts for the health and
// version surfaces.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Overridden at build time via -ldflags "-X ...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime metadata keyed for JSON output.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start, truncated to whole
// seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// ShortCommit returns the abbreviated commit hash used in log lines.
func ShortCommit() string {
	if len(GitCommit) > 12 {
		return GitCommit[:12]
	}
	return GitCommit
}

// UserAgent returns the User-Agent string for outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("todo-agent/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String returns a one-line summary for startup logging.
func String() string {
	s := "todo-agent version " + Version
	if GitCommit != "unknown" {
		s += " commit " + ShortCommit()
	}
	if BuildTime != "unknown" {
		s += " built " + BuildTime
	}
	return s
}
