// Package version reports build provenance: ldflags-populated
// GitRepo/GitBranch/GitCommit/BuildTime plus the Go toolchain version from
// runtime/debug.BuildInfo. A worker binary's version check only needs
// commit equality, not a deep diff of build info.
package version

import "runtime/debug"

// These are set via -ldflags at build time.
var (
	GitRepo   string
	GitBranch string
	GitCommit string
	BuildTime string
)

// Info is the version metadata a running fntnd binary reports, e.g. via the
// `fntnd version` command or a scheduler handshake.
type Info struct {
	GitRepo   string `json:"gitRepo,omitempty"`
	GitBranch string `json:"gitBranch,omitempty"`
	GitCommit string `json:"gitCommit,omitempty"`
	BuildTime string `json:"buildTime,omitempty"`
	GoVersion string `json:"goVersion,omitempty"`
}

// Get returns this binary's version metadata.
func Get() Info {
	info := Info{GitRepo: GitRepo, GitBranch: GitBranch, GitCommit: GitCommit, BuildTime: BuildTime}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
	}
	return info
}

// Equal reports whether two Infos name the same build, by commit: a worker
// and a CLI built from the same commit are compatible even if BuildTime
// differs (e.g. a redundant rebuild of the same source).
func (v Info) Equal(other Info) bool {
	return v.GitCommit != "" && v.GitCommit == other.GitCommit
}
