// Package ida locates dataset files in the shared file storage and reports
// whether that storage is available.
package ida

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Storage is the read-only view of the file storage mount
type Storage struct {
	dataRoot string
}

// New returns storage rooted at dataRoot
func New(dataRoot string) *Storage {
	return &Storage{dataRoot: dataRoot}
}

// Offline reports whether the control sentinel is present. An unreadable
// control directory counts as offline.
func (s *Storage) Offline() bool {
	_, err := os.Stat(filepath.Join(s.dataRoot, "control", "OFFLINE"))
	if err == nil {
		return true
	}
	return !errors.Is(err, fs.ErrNotExist)
}

// FilePath returns the location of a dataset file owned by project
func (s *Storage) FilePath(project, path string) (string, error) {
	if project == "" || strings.ContainsAny(project, `/\`) || project == "." || project == ".." {
		return "", fmt.Errorf("invalid project identifier %q", project)
	}

	clean := filepath.Clean("/" + path)
	if clean == "/" {
		return "", fmt.Errorf("invalid file path %q", path)
	}

	return filepath.Join(s.dataRoot, "PSO_"+project, "files", project, clean), nil
}
