package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairdata/download-service/config"
	"github.com/fairdata/download-service/internal/database"
)

func TestNotifyPostsSubscriptionData(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := New(config.NotifyConfig{Timeout: time.Second}, nil, nil)
	err := n.Notify(context.Background(), database.Subscription{
		TaskID:           "task-1",
		NotifyURL:        server.URL,
		SubscriptionData: "eyJvcGFxdWUiOnRydWV9",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"subscriptionData": "eyJvcGFxdWUiOnRydWV9"}, got)
}

func TestNotifyAllContinuesAfterFailures(t *testing.T) {
	var calls atomic.Int32
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer ok.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	n := New(config.NotifyConfig{Timeout: time.Second}, nil, nil)
	sent := n.NotifyAll(context.Background(), []database.Subscription{
		{NotifyURL: failing.URL},
		{NotifyURL: closedURL},
		{NotifyURL: ok.URL},
	})

	assert.Equal(t, 1, sent)
	// No retries
	assert.Equal(t, int32(2), calls.Load())
}
