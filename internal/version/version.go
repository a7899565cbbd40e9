// Package version carries build metadata injected with -ldflags
package version

import "runtime"

// Set at build time:
//
//	-ldflags "-X github.com/envmon/envmon/internal/version.Version=1.2.0"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Info is the build metadata reported by /status
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
}

// Get returns the build metadata of the running binary
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// String renders the version for log lines and -version output
func (i Info) String() string {
	return i.Version + " (commit: " + i.Commit + ", built: " + i.BuildDate + ")"
}
