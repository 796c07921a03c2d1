// Package buildinfo carries version metadata stamped at link time.
package buildinfo

import (
	"fmt"
	"log"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/opal-compute/gateway/core/infra/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary. Fields left at their defaults
// are filled from the VCS stamp the toolchain embeds, when present.
func Info() string {
	version, commit, date := Version, Commit, Date
	if bi, ok := debug.ReadBuildInfo(); ok {
		if version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch {
			case s.Key == "vcs.revision" && commit == "unknown":
				commit = shortRevision(s.Value)
			case s.Key == "vcs.time" && date == "unknown":
				date = s.Value
			}
		}
	}
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", version, commit, date, runtime.Version())
}

// Log writes the build summary with the service name.
func Log(service string) {
	log.Printf("%s starting %s", service, Info())
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
