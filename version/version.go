// Package version exposes the binary's build information for the version
// command and support diagnostics.
package version

import (
	"fmt"
	"runtime/debug"
	"sort"
)

// Version is the release version, set at build time with
// -ldflags "-X github.com/rowmill/rowmill/version.Version=...".
var Version = "dev"

// Dependency is one module dependency baked into the binary.
type Dependency struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

// BuildInfo is the build-time information embedded by the Go toolchain.
type BuildInfo struct {
	Version      string       `json:"version"`
	GoVersion    string       `json:"goVersion"`
	MainModule   string       `json:"mainModule"`
	Commit       string       `json:"commit,omitempty"`
	Dependencies []Dependency `json:"dependencies"`
}

// Get extracts the build information from the running binary.
func Get() *BuildInfo {
	bi := &BuildInfo{
		Version:      Version,
		GoVersion:    "unknown",
		MainModule:   "unknown",
		Dependencies: []Dependency{},
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return bi
	}

	bi.GoVersion = info.GoVersion
	bi.MainModule = info.Path
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			bi.Commit = s.Value
		}
	}
	for _, dep := range info.Deps {
		bi.Dependencies = append(bi.Dependencies, Dependency{Path: dep.Path, Version: dep.Version})
	}
	sort.Slice(bi.Dependencies, func(i, j int) bool {
		return bi.Dependencies[i].Path < bi.Dependencies[j].Path
	})
	return bi
}

// String renders a short human-readable version line.
func (b *BuildInfo) String() string {
	if b.Commit != "" {
		return fmt.Sprintf("rowmill %s (%s, %s)", b.Version, b.Commit, b.GoVersion)
	}
	return fmt.Sprintf("rowmill %s (%s)", b.Version, b.GoVersion)
}
