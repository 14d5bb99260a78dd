package cuid2

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTimestampBase62(t *testing.T) {
	tests := []struct {
		seconds  int64
		expected string
	}{
		{0, "000000"},
		{1, "000001"},
		{62, "000010"},
		{60, "00000y"},
		{3600, "0000w4"},
		{86400, "000MTY"},
		{1704067200, "1rK5iq"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, EncodeTimestampBase62(tt.seconds), "seconds=%d", tt.seconds)
	}
	assert.Less(t, EncodeTimestampBase62(1704067200), EncodeTimestampBase62(1704067201))
}

func TestRandomBase62(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := randomBase62(24)
		require.Len(t, id, 24)
		for _, c := range id {
			require.True(t, strings.ContainsRune(base62Alphabet, c), "unexpected %q in %s", c, id)
		}
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}

	// Longer than the initial buffer forces a refill
	assert.Len(t, randomBase62(200), 200)
}

func TestNew(t *testing.T) {
	id := New("task", Options{})
	assert.Regexp(t, regexp.MustCompile(`^task_[0-9A-Za-z]{24}$`), id)

	random := New("tok", Options{Random: true})
	assert.Regexp(t, regexp.MustCompile(`^tok_[0-9A-Za-z]{24}$`), random)

	short := New("req", Options{Length: 10})
	assert.Len(t, strings.TrimPrefix(short, "req_"), 16)

	short = New("req", Options{Random: true, Length: 10})
	assert.Len(t, strings.TrimPrefix(short, "req_"), 10)
}

func TestNewIsTimeSortable(t *testing.T) {
	first := strings.TrimPrefix(New("task", Options{}), "task_")[:timestampLength]
	second := strings.TrimPrefix(New("task", Options{}), "task_")[:timestampLength]
	assert.LessOrEqual(t, first, second)
}
