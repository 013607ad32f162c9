// Package version exposes build metadata for trackproxy.
//
// Values are injected with ldflags at release time:
//
//	go build -ldflags "-X github.com/jmylchreest/trackproxy/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/trackproxy/internal/version.Commit=$(git rev-parse HEAD)"
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
)

var (
	// Version is the release version, or "dev" for local builds.
	Version = "dev"

	// Commit is the git SHA the binary was built from.
	Commit = "unknown"

	// Date is the RFC3339 build timestamp.
	Date = "unknown"
)

// ApplicationName is used in user agents and CLI output.
const ApplicationName = "trackproxy"

// Info is the structured form of the build metadata.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns the build metadata.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func shortCommit() string {
	if Commit == "unknown" || len(Commit) < 8 {
		return ""
	}
	return Commit[:8]
}

// String returns the long, human-readable version line.
func String() string {
	info := GetInfo()
	if c := shortCommit(); c != "" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, c, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short returns the version for cobra's --version flag.
func Short() string {
	if c := shortCommit(); c != "" {
		return fmt.Sprintf("%s (%s)", Version, c)
	}
	return Version
}

// JSON returns the build metadata as an indented JSON document.
func JSON() string {
	data, err := json.MarshalIndent(GetInfo(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// UserAgent is sent on every upstream request.
func UserAgent() string {
	return ApplicationName + "/" + Version
}

// IsSnapshot reports whether this is a development or snapshot build.
func IsSnapshot() bool {
	return Version == "dev" || strings.Contains(Version, "-SNAPSHOT")
}
