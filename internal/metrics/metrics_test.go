package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()

	before := testutil.ToFloat64(tasksRequested.WithLabelValues("created"))
	r.RecordTaskRequest(true)
	assert.Equal(t, before+1, testutil.ToFloat64(tasksRequested.WithLabelValues("created")))

	before = testutil.ToFloat64(tasksEnqueued)
	r.RecordQueueReload("promoted", 3)
	assert.Equal(t, before+3, testutil.ToFloat64(tasksEnqueued))

	r.RecordCacheUsage(2, 1024)
	assert.Equal(t, float64(1024), testutil.ToFloat64(cacheUsageBytes))
	assert.Equal(t, float64(2), testutil.ToFloat64(cachePackages))

	before = testutil.ToFloat64(packagesRemoved.WithLabelValues("ghost"))
	r.RecordPackagesRemoved("ghost", 0)
	r.RecordPackagesRemoved("ghost", 2)
	assert.Equal(t, before+2, testutil.ToFloat64(packagesRemoved.WithLabelValues("ghost")))
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.RecordGeneration("success", time.Second, 10)
		r.RecordNotification(false)
		r.RecordDownload("package", true)
	})
}
