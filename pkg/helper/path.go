package helper

import (
	"os"
	"path/filepath"
)

const (
	defaultCfgDir  = "/etc/deltasession"
	defaultPIDPath = "/var/run/deltasession.pid"
)

// GetCfgPath returns the path to the configuration file.
//
// Priority:
// 1. If filename is an absolute path, return it directly.
// 2. Check ./{filename} and ./configs/{filename}
// 3. Otherwise, fallback to /etc/deltasession/{filename}
func GetCfgPath(filename string) string {
	if filename == "" {
		panic("filename cannot be empty")
	}
	if filepath.IsAbs(filename) {
		return filename
	}

	wd, err := os.Getwd()
	if err == nil && wd != "" {
		for _, candidate := range []string{
			filepath.Join(wd, filename),
			filepath.Join(wd, "configs", filename),
		} {
			if _, err := os.Stat(candidate); err == nil {
				if abs, err := filepath.Abs(candidate); err == nil {
					return abs
				}
			}
		}
	}
	return filepath.Join(defaultCfgDir, filename)
}

// GetPIDPath returns the path to the PID file.
//
// A relative filename resolves against the working directory as long as its
// parent directory exists; otherwise /var/run/deltasession.pid is used.
func GetPIDPath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	if filename == "" {
		return defaultPIDPath
	}

	wd, err := os.Getwd()
	if err != nil || wd == "" {
		return defaultPIDPath
	}
	abs, err := filepath.Abs(filepath.Join(wd, filename))
	if err != nil {
		return defaultPIDPath
	}
	if _, err := os.Stat(filepath.Dir(abs)); err != nil {
		return defaultPIDPath
	}
	return abs
}
