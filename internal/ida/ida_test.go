package ida

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffline(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	assert.False(t, s.Offline())

	require.NoError(t, os.MkdirAll(filepath.Join(root, "control"), 0755))
	assert.False(t, s.Offline())

	require.NoError(t, os.WriteFile(filepath.Join(root, "control", "OFFLINE"), nil, 0644))
	assert.True(t, s.Offline())
}

func TestFilePath(t *testing.T) {
	s := New("/mnt/ida")

	got, err := s.FilePath("proj", "/data/a/1.txt")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/ida/PSO_proj/files/proj/data/a/1.txt", got)

	got, err = s.FilePath("proj", "/../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/ida/PSO_proj/files/proj/etc/passwd", got)

	_, err = s.FilePath("../x", "/a")
	assert.Error(t, err)

	_, err = s.FilePath("proj", "/")
	assert.Error(t, err)
}
