package metax

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasPathPrefix(t *testing.T) {
	assert.True(t, HasPathPrefix("/a/b/c", "/a/b"))
	assert.True(t, HasPathPrefix("/a/b", "/a/b"))
	assert.True(t, HasPathPrefix("/a/b/c", "/a/b/"))
	assert.True(t, HasPathPrefix("/a/b/c", "/"))
	assert.False(t, HasPathPrefix("/a/bc", "/a/b"))
	assert.False(t, HasPathPrefix("/a", "/a/b"))
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Time
	}{
		{`"2024-01-02T03:04:05Z"`, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{`"2024-01-02T05:04:05+02:00"`, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{`"2024-01-02T03:04:05.250000"`, time.Date(2024, 1, 2, 3, 4, 5, 250000000, time.UTC)},
		{`"2024-01-02 03:04:05"`, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{`1704164645`, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{`"1704164645"`, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseTimestamp(json.RawMessage(tt.raw))
		require.NoError(t, err, tt.raw)
		assert.True(t, tt.want.Equal(got), "%s: got %s", tt.raw, got)
		assert.Equal(t, time.UTC, got.Location())
	}

	_, err := ParseTimestamp(json.RawMessage(`"yesterday"`))
	assert.Error(t, err)
	_, err = ParseTimestamp(json.RawMessage(`null`))
	assert.Error(t, err)
}
