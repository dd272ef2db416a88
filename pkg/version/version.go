package version

import (
	_ "embed"
	"fmt"
	"runtime"
	"strings"
)

//go:embed VERSION
var Version string

// Get returns the release version without surrounding whitespace
func Get() string {
	return strings.TrimSpace(Version)
}

// String formats the version line printed by the CLI
func String(name string) string {
	return fmt.Sprintf("%s version %s (%s %s/%s)", name, Get(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
