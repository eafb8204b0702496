// Package testutil provides helpers for tests that need on-disk fixtures:
// node-log files for the tail and search adapters, and key files for the
// registration flow.
package testutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Sandbox is an isolated temporary directory holding test fixtures.
type Sandbox struct {
	Root string
}

// NewSandbox creates a Sandbox rooted at a fresh temporary directory.
func NewSandbox() (*Sandbox, error) {
	dir, err := os.MkdirTemp("", "blockperf_test")
	if err != nil {
		return nil, err
	}
	return &Sandbox{Root: dir}, nil
}

// Path returns the absolute path for a file within the sandbox.
func (s *Sandbox) Path(name string) string {
	return filepath.Join(s.Root, name)
}

// WriteFile writes data to the named file inside the sandbox.
func (s *Sandbox) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(s.Path(name), data, perm)
}

// WriteLogLines writes a node-log fixture: one record per line, each line
// newline-terminated, the shape both log source backends consume.
func (s *Sandbox) WriteLogLines(name string, lines []string) error {
	return os.WriteFile(s.Path(name), []byte(joinLines(lines)), 0o644)
}

// AppendLogLines appends further records to an existing log fixture, for
// tests that exercise live tailing.
func (s *Sandbox) AppendLogLines(name string, lines []string) error {
	f, err := os.OpenFile(s.Path(name), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(joinLines(lines))
	return err
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Cleanup removes the sandbox directory and everything in it.
func (s *Sandbox) Cleanup() error {
	return os.RemoveAll(s.Root)
}
