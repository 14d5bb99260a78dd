package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairdata/download-service/internal/database"
	"github.com/fairdata/download-service/internal/taskqueue"
)

func TestParseStatuses(t *testing.T) {
	statuses, err := parseStatuses(nil)
	require.NoError(t, err)
	assert.Equal(t, database.AllStatuses, statuses)

	statuses, err = parseStatuses([]string{"new", "RETRY"})
	require.NoError(t, err)
	assert.Equal(t, []database.TaskStatus{database.StatusNew, database.StatusRetry}, statuses)

	_, err = parseStatuses([]string{"done"})
	assert.ErrorContains(t, err, "invalid status: done")
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		assert.Equal(t, tt.want, confirm(strings.NewReader(tt.input), &out, "Sure?"), tt.input)
		assert.Equal(t, "Sure? [y/N]: ", out.String())
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.50 MB", formatBytes(3<<19))
	assert.Equal(t, "2.00 GB", formatBytes(2<<30))
}

func TestNeedsApp(t *testing.T) {
	assert.True(t, needsApp(cacheStatsCmd))
	assert.True(t, needsApp(queueListCmd))
	assert.True(t, needsApp(queueShowCmd))
	assert.True(t, needsApp(workerCmd))
	assert.False(t, needsApp(rootCmd))
}

func TestPrintJob(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	worker := "worker-1"
	msg := "storage offline"
	job := &taskqueue.Job{
		ID:           "job-1",
		TaskType:     taskqueue.JobTypeGenerate,
		Payload:      json.RawMessage(`{"task_id":"t1"}`),
		Status:       taskqueue.StatusFailed,
		ScheduledFor: started.Add(-time.Minute),
		StartedAt:    &started,
		WorkerID:     &worker,
		RetryCount:   3,
		MaxRetries:   3,
		ErrorMessage: &msg,
	}

	var out bytes.Buffer
	require.NoError(t, printJob(&out, job))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 11)
	assert.Equal(t, "ID         job-1", lines[0])
	assert.Equal(t, "STATUS     failed", lines[2])
	assert.Equal(t, `PAYLOAD    {"task_id":"t1"}`, lines[3])
	assert.Equal(t, "STARTED    2026-03-01T10:00:00Z", lines[5])
	assert.Equal(t, "COMPLETED  -", lines[6])
	assert.Equal(t, "RETRIES    3/3", lines[9])
	assert.Equal(t, "ERROR      storage offline", lines[10])
}
