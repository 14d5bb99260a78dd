package metax

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairdata/download-service/config"
	"github.com/fairdata/download-service/internal/apperr"
)

type registry struct {
	datasets map[string]map[string]interface{}
	files    map[string][]File
	status   int
}

func newRegistry(t *testing.T, r *registry) *Gateway {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/rest/v1/datasets/{id}", func(w http.ResponseWriter, req *http.Request) {
		user, pass, ok := req.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "metax", user)
		assert.Equal(t, "pass", pass)

		if r.status != 0 {
			w.WriteHeader(r.status)
			return
		}
		doc, ok := r.datasets[req.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("/rest/v1/datasets/{id}/files", func(w http.ResponseWriter, req *http.Request) {
		files, ok := r.files[req.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(files)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return NewGateway(config.MetaxConfig{
		URL:               server.URL,
		User:              "metax",
		Password:          "pass",
		Timeout:           5 * time.Second,
		RequestsPerSecond: 100,
	}, nil)
}

func TestGetModified(t *testing.T) {
	gw := newRegistry(t, &registry{datasets: map[string]map[string]interface{}{
		"modified": {"date_modified": "2024-03-01T12:00:00+02:00", "date_created": "2020-01-01T00:00:00Z"},
		"created":  {"date_created": "2021-06-15T08:30:00"},
		"legacy":   {"modified": 1700000000},
		"empty":    {"identifier": "empty"},
	}})
	ctx := context.Background()

	got, err := gw.GetModified(ctx, "modified")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), got)
	assert.Equal(t, time.UTC, got.Location())

	got, err = gw.GetModified(ctx, "created")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, 6, 15, 8, 30, 0, 0, time.UTC), got)

	got, err = gw.GetModified(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), got)

	_, err = gw.GetModified(ctx, "empty")
	var missing *MissingFieldsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, apperr.Upstream, apperr.KindOf(err))

	_, err = gw.GetModified(ctx, "nope")
	var notFound *DatasetNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope", notFound.DatasetID)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestGetModifiedSharedRequestOutlivesCancelledCaller(t *testing.T) {
	var requests atomic.Int32
	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requests.Add(1)
		arrived <- struct{}{}
		<-release
		json.NewEncoder(w).Encode(map[string]string{"date_modified": "2024-03-01T12:00:00Z"})
	}))
	t.Cleanup(server.Close)
	gw := NewGateway(config.MetaxConfig{URL: server.URL, Timeout: 5 * time.Second, RequestsPerSecond: 100}, nil)

	firstCtx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := gw.GetModified(firstCtx, "D1")
		first <- err
	}()
	<-arrived

	type result struct {
		modified time.Time
		err      error
	}
	second := make(chan result, 1)
	go func() {
		m, err := gw.GetModified(context.Background(), "D1")
		second <- result{m, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(release)
	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), res.modified)
	case <-time.After(5 * time.Second):
		t.Fatal("shared request did not finish")
	}
	assert.Equal(t, int32(1), requests.Load())
}

func TestGetModifiedUnexpectedStatus(t *testing.T) {
	gw := newRegistry(t, &registry{status: http.StatusForbidden})

	_, err := gw.GetModified(context.Background(), "D1")
	var unexpected *UnexpectedStatusCodeError
	require.ErrorAs(t, err, &unexpected)
	assert.Equal(t, http.StatusForbidden, unexpected.StatusCode)
}

func TestGetModifiedConnectionError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	gw := NewGateway(config.MetaxConfig{URL: url, RequestsPerSecond: 10, Timeout: time.Second}, nil)
	_, err := gw.GetModified(context.Background(), "D1")

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, apperr.Upstream, apperr.KindOf(err))
}

func datasetFiles() map[string][]File {
	return map[string][]File{
		"D1": {
			{FilePath: "/data/a/1.txt", ProjectIdentifier: "proj"},
			{FilePath: "/data/a/2.txt", ProjectIdentifier: "proj"},
			{FilePath: "/data/ab/3.txt", ProjectIdentifier: "proj"},
			{FilePath: "/readme.txt", ProjectIdentifier: "proj"},
		},
	}
}

func TestResolveScope(t *testing.T) {
	gw := newRegistry(t, &registry{files: datasetFiles()})
	ctx := context.Background()

	tests := []struct {
		name      string
		scope     []string
		files     []string
		isPartial bool
	}{
		{
			name:  "empty scope selects everything",
			scope: nil,
			files: []string{"/data/a/1.txt", "/data/a/2.txt", "/data/ab/3.txt", "/readme.txt"},
		},
		{
			name:      "directory prefix is component-wise",
			scope:     []string{"/data/a"},
			files:     []string{"/data/a/1.txt", "/data/a/2.txt"},
			isPartial: true,
		},
		{
			name:      "trailing slash",
			scope:     []string{"/data/a/"},
			files:     []string{"/data/a/1.txt", "/data/a/2.txt"},
			isPartial: true,
		},
		{
			name:      "exact file",
			scope:     []string{"/readme.txt"},
			files:     []string{"/readme.txt"},
			isPartial: true,
		},
		{
			name:  "scope covering every file is not partial",
			scope: []string{"/data", "/readme.txt"},
			files: []string{"/data/a/1.txt", "/data/a/2.txt", "/data/ab/3.txt", "/readme.txt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := gw.ResolveScope(ctx, "D1", tt.scope)
			require.NoError(t, err)
			assert.Equal(t, tt.files, res.Files)
			assert.Equal(t, "proj", res.ProjectID)
			assert.Equal(t, tt.isPartial, res.IsPartial)
		})
	}
}

func TestResolveScopeNoMatch(t *testing.T) {
	gw := newRegistry(t, &registry{files: datasetFiles()})

	_, err := gw.ResolveScope(context.Background(), "D1", []string{"/data/a/1"})
	var noMatch *NoMatchingFilesError
	require.ErrorAs(t, err, &noMatch)
	assert.Equal(t, "D1", noMatch.DatasetID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestResolveOwner(t *testing.T) {
	gw := newRegistry(t, &registry{files: datasetFiles()})
	ctx := context.Background()

	project, err := gw.ResolveOwner(ctx, "D1", "/data/a/1.txt")
	require.NoError(t, err)
	assert.Equal(t, "proj", project)

	_, err = gw.ResolveOwner(ctx, "D1", "/etc/passwd")
	var noMatch *NoMatchingFilesError
	assert.True(t, errors.As(err, &noMatch))

	_, err = gw.ResolveOwner(ctx, "D1", "/data/a")
	assert.True(t, errors.As(err, &noMatch))
}

func TestResolveScopeNormalisesUnicode(t *testing.T) {
	// "é" as e + combining acute in the listing, precomposed in the request
	gw := newRegistry(t, &registry{files: map[string][]File{
		"D2": {
			{FilePath: "/cafe\u0301/menu.txt", ProjectIdentifier: "p"},
			{FilePath: "/other.txt", ProjectIdentifier: "p"},
		},
	}})

	res, err := gw.ResolveScope(context.Background(), "D2", []string{"/caf\u00e9"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/caf\u00e9/menu.txt"}, res.Files)
	assert.True(t, res.IsPartial)
}
