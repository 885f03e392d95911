// Package version reports the build version of the tracelet binaries.
package version

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
)

// Version is set at build time with
// -ldflags "-X github.com/vocdoni/gofirma/tracelet/internal/version.Version=v1.2.3".
var Version = "dev"

// Current returns Version, or the module version recorded by the Go
// toolchain when Version was not stamped.
func Current() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

// UserAgent identifies tracelet in outgoing HTTP requests.
func UserAgent() string {
	return "tracelet/" + strings.TrimPrefix(Current(), "v")
}

// Print writes "<name> <version> (<go version>)".
func Print(w io.Writer, name string) {
	fmt.Fprintf(w, "%s %s (%s)\n", name, Current(), runtime.Version())
}

// IsOutdated reports whether current is an older release than latest. Both
// must parse as semantic versions; anything else is never outdated.
func IsOutdated(current, latest string) bool {
	cur, okCur := parseSemver(current)
	lat, okLat := parseSemver(latest)
	if !okCur || !okLat {
		return false
	}
	for i := range cur {
		if cur[i] != lat[i] {
			return cur[i] < lat[i]
		}
	}
	return false
}

func parseSemver(v string) ([3]int, bool) {
	var num [3]int
	s := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(v), "v"), "V")
	if s == "" {
		return num, false
	}
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return num, false
		}
		num[i] = n
	}
	return num, true
}
