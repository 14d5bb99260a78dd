package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotExist is returned for files missing from the directory
var ErrNotExist = fs.ErrNotExist

// PartialSuffix marks a package that is still being written
const PartialSuffix = ".partial"

// ChecksumPrefix precedes the hex digest of every package checksum
const ChecksumPrefix = "sha256:"

// LocalStorage implements Storage on a local directory
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local filesystem storage
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", basePath, err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// List returns every regular file in the directory, sorted by name
func (s *LocalStorage) List(ctx context.Context) ([]FileInfo, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.basePath, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to stat %s: %w", entry.Name(), err)
		}
		files = append(files, FileInfo{
			Name:       entry.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	return files, nil
}

// GetInfo retrieves file information without content
func (s *LocalStorage) GetInfo(ctx context.Context, name string) (*FileInfo, error) {
	fullPath, err := s.nameToPath(name)
	if err != nil {
		return nil, err
	}

	stat, err := os.Stat(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file not found: %s: %w", name, ErrNotExist)
		}
		return nil, fmt.Errorf("failed to stat file %s: %w", fullPath, err)
	}

	return &FileInfo{
		Name:       name,
		Size:       stat.Size(),
		ModifiedAt: stat.ModTime().UTC(),
	}, nil
}

// Delete removes a file
func (s *LocalStorage) Delete(ctx context.Context, name string) error {
	fullPath, err := s.nameToPath(name)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file %s: %w", fullPath, err)
	}
	return nil
}

// Open opens a file for reading
func (s *LocalStorage) Open(ctx context.Context, name string) (ReadSeekCloser, error) {
	fullPath, err := s.nameToPath(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file not found: %s: %w", name, ErrNotExist)
		}
		return nil, fmt.Errorf("failed to open file %s: %w", fullPath, err)
	}
	return f, nil
}

// CreateTemp creates a new file in the directory, see os.CreateTemp for pattern
func (s *LocalStorage) CreateTemp(ctx context.Context, pattern string) (*os.File, error) {
	f, err := os.CreateTemp(s.basePath, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create file in %s: %w", s.basePath, err)
	}
	return f, nil
}

// Rename renames a file within the directory
func (s *LocalStorage) Rename(ctx context.Context, from, to string) error {
	fromPath, err := s.nameToPath(from)
	if err != nil {
		return err
	}
	toPath, err := s.nameToPath(to)
	if err != nil {
		return err
	}
	if err := os.Rename(fromPath, toPath); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", from, to, err)
	}
	return nil
}

// GetChecksum returns the checksum for a file
func (s *LocalStorage) GetChecksum(ctx context.Context, name string) (string, error) {
	fullPath, err := s.nameToPath(name)
	if err != nil {
		return "", err
	}
	return computeFileChecksum(fullPath)
}

// nameToPath converts a file name to a filesystem path
func (s *LocalStorage) nameToPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return filepath.Join(s.basePath, name), nil
}

func computeFileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("failed to compute hash: %w", err)
	}

	return ChecksumPrefix + hex.EncodeToString(hash.Sum(nil)), nil
}
