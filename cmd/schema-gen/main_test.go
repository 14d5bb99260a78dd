package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaForCollectsDefinitions(t *testing.T) {
	for _, b := range bundles {
		assert.NotEmpty(t, schemaFor(b).Definitions, b.name)
	}

	s := schemaFor(bundles[0])
	assert.Contains(t, s.Definitions, "RequestsPostData")
	assert.Contains(t, s.Definitions, "SubscribePostData")
	assert.Equal(t, "Requests API Types", s.Title)
	assert.EqualValues(t, "https://download.fairdata.fi/schemas/requests.json", s.ID)
}

func TestRunWritesThenChecks(t *testing.T) {
	dir := t.TempDir()

	require.Error(t, run(dir, true), "nothing generated yet")
	require.NoError(t, run(dir, false))
	for _, b := range bundles {
		assert.FileExists(t, filepath.Join(dir, b.name+".json"))
	}
	require.NoError(t, run(dir, true))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "admin.json"), []byte("{}"), 0o644))
	assert.ErrorContains(t, run(dir, true), "admin.json")
}
