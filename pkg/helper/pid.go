package helper

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDFile writes and removes the process id file of a running node
type PIDFile struct {
	path string
}

// NewPIDFile creates a PIDFile for the resolved path of filename
func NewPIDFile(filename string) *PIDFile {
	return &PIDFile{path: GetPIDPath(filename)}
}

// Path returns the resolved PID file path
func (p *PIDFile) Path() string {
	return p.path
}

// Write writes the current process ID, creating the directory if needed
func (p *PIDFile) Write() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	return os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// Read returns the process ID stored in the file
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", p.path, err)
	}
	return pid, nil
}

// Remove removes the PID file, ignoring a missing file
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
