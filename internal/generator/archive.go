package generator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/fairdata/download-service/internal/storage"
)

// SourceLocator maps dataset file paths to files on disk
type SourceLocator interface {
	FilePath(project, path string) (string, error)
}

// Archive is a package written to the cache directory
type Archive struct {
	// Name is the in-progress file name, ending in storage.PartialSuffix
	Name      string
	SizeBytes int64
	Checksum  string
}

// FinalName is the name the archive is published under
func (a *Archive) FinalName() string {
	return strings.TrimSuffix(a.Name, storage.PartialSuffix)
}

// BuildArchive writes a deflated zip of the scope files into dir. Entries are
// named by their dataset path without the leading slash. The archive is
// removed when any file cannot be added.
func BuildArchive(ctx context.Context, dir storage.Storage, sources SourceLocator, datasetID, projectID string, scope []string) (*Archive, error) {
	out, err := dir.CreateTemp(ctx, datasetID+"_*.zip"+storage.PartialSuffix)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(out.Name())

	archive, err := writeArchive(ctx, out, sources, projectID, scope)
	closeErr := out.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close %s: %w", name, closeErr)
	}
	if err != nil {
		_ = dir.Delete(context.WithoutCancel(ctx), name)
		return nil, err
	}

	archive.Name = name
	return archive, nil
}

func writeArchive(ctx context.Context, out *os.File, sources SourceLocator, projectID string, scope []string) (*Archive, error) {
	hash := sha256.New()
	counter := &countingWriter{}
	zw := zip.NewWriter(io.MultiWriter(out, hash, counter))

	for _, path := range scope {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := addFile(zw, sources, projectID, path); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}

	return &Archive{
		SizeBytes: counter.n,
		Checksum:  storage.ChecksumPrefix + hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

func addFile(zw *zip.Writer, sources SourceLocator, projectID, path string) error {
	src, err := sources.FilePath(projectID, path)
	if err != nil {
		return err
	}

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to build header for %s: %w", path, err)
	}
	header.Name = strings.TrimLeft(path, "/")
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", path, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to compress %s: %w", path, err)
	}
	return nil
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
