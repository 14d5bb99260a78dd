// Package metax is the client for the Metax dataset registry. It answers
// freshness and file-membership questions for the rest of the service.
package metax

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/fairdata/download-service/config"
	httpclient "github.com/fairdata/download-service/internal/http"
	"github.com/fairdata/download-service/internal/http/ratelimit"
	"github.com/fairdata/download-service/internal/telemetry"
)

// maxResponseBytes bounds how much of a registry response is read
const maxResponseBytes = 256 << 20

// Resolution is the result of resolving a requested scope against a dataset
type Resolution struct {
	// Files is the sorted set of matching file paths
	Files     []string
	ProjectID string
	IsPartial bool
}

// File is one entry of a dataset's file listing
type File struct {
	FilePath          string `json:"file_path"`
	ProjectIdentifier string `json:"project_identifier"`
}

// Gateway queries the Metax REST API
type Gateway struct {
	baseURL string
	client  *httpclient.Client
	logger  *zerolog.Logger
	group   singleflight.Group
}

// NewGateway creates a gateway from the registry configuration
func NewGateway(cfg config.MetaxConfig, logger *zerolog.Logger) *Gateway {
	rl := ratelimit.DefaultConfig()
	if cfg.RequestsPerSecond > 0 {
		rl.RequestsPerSecond = cfg.RequestsPerSecond
	}
	rl.MaxRetries = cfg.MaxRetries

	client := httpclient.NewClient(rl,
		httpclient.WithBasicAuth(cfg.User, cfg.Password),
		httpclient.WithTimeout(cfg.Timeout),
	)
	return NewGatewayWithClient(cfg.URL, client, logger)
}

// NewGatewayWithClient creates a gateway using an existing HTTP client
func NewGatewayWithClient(baseURL string, client *httpclient.Client, logger *zerolog.Logger) *Gateway {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "gateway").Logger()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Gateway{
		baseURL: baseURL,
		client:  client,
		logger:  &l,
	}
}

// GetModified returns the dataset's last modification time in UTC. Datasets
// that were never modified report their creation time. Concurrent calls for
// the same dataset share one registry request.
func (g *Gateway) GetModified(ctx context.Context, datasetID string) (t time.Time, err error) {
	ctx, span := telemetry.StartSpan(ctx, "metax.GetModified", attribute.String("dataset.id", datasetID))
	defer func() { telemetry.EndSpan(span, err) }()

	v, err := g.shared(ctx, "modified:"+datasetID, func(ctx context.Context) (any, error) {
		var doc map[string]json.RawMessage
		if err := g.getJSON(ctx, datasetID, "datasets/"+url.PathEscape(datasetID), &doc); err != nil {
			return time.Time{}, err
		}
		modified, err := modifiedFromDocument(datasetID, doc)
		if err != nil {
			g.logger.Error().Err(err).Str("dataset_id", datasetID).Msg("Dataset modification time not available")
			return time.Time{}, err
		}
		return modified, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return v.(time.Time), nil
}

// ListFiles returns the dataset's full file listing with NFC-normalised paths
func (g *Gateway) ListFiles(ctx context.Context, datasetID string) ([]File, error) {
	v, err := g.shared(ctx, "files:"+datasetID, func(ctx context.Context) (any, error) {
		var files []File
		if err := g.getJSON(ctx, datasetID, "datasets/"+url.PathEscape(datasetID)+"/files", &files); err != nil {
			return nil, err
		}
		for i := range files {
			files[i].FilePath = NormalizePath(files[i].FilePath)
		}
		return files, nil
	})
	if err != nil {
		return nil, err
	}
	// Callers sharing a flight must not see each other's mutations
	shared := v.([]File)
	out := make([]File, len(shared))
	copy(out, shared)
	return out, nil
}

// ResolveScope filters the dataset's files to those under any requested path.
// An empty request selects the whole dataset.
func (g *Gateway) ResolveScope(ctx context.Context, datasetID string, requested []string) (res Resolution, err error) {
	ctx, span := telemetry.StartSpan(ctx, "metax.ResolveScope",
		attribute.String("dataset.id", datasetID),
		attribute.Int("scope.requested", len(requested)))
	defer func() { telemetry.EndSpan(span, err) }()

	files, err := g.ListFiles(ctx, datasetID)
	if err != nil {
		return Resolution{}, err
	}

	prefixes := make([]string, len(requested))
	for i, p := range requested {
		prefixes[i] = NormalizePath(p)
	}

	all := make(map[string]struct{}, len(files))
	matched := make(map[string]struct{}, len(files))
	for _, f := range files {
		all[f.FilePath] = struct{}{}
		if len(prefixes) == 0 || matchesAny(f.FilePath, prefixes) {
			matched[f.FilePath] = struct{}{}
		}
	}

	if len(matched) == 0 {
		g.logger.Error().
			Str("dataset_id", datasetID).
			Strs("scope", requested).
			Msg("Could not find files matching request")
		return Resolution{}, &NoMatchingFilesError{DatasetID: datasetID, Scope: requested}
	}

	res.Files = make([]string, 0, len(matched))
	for p := range matched {
		res.Files = append(res.Files, p)
	}
	sort.Strings(res.Files)
	res.ProjectID = files[0].ProjectIdentifier
	res.IsPartial = len(matched) != len(all)
	return res, nil
}

// ResolveOwner returns the project owning filepath, provided the file belongs
// to the dataset.
func (g *Gateway) ResolveOwner(ctx context.Context, datasetID, filepath string) (project string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "metax.ResolveOwner", attribute.String("dataset.id", datasetID))
	defer func() { telemetry.EndSpan(span, err) }()

	files, err := g.ListFiles(ctx, datasetID)
	if err != nil {
		return "", err
	}

	want := NormalizePath(filepath)
	found := false
	for _, f := range files {
		if f.FilePath == want {
			project = f.ProjectIdentifier
			found = true
		}
	}
	if !found {
		return "", &NoMatchingFilesError{DatasetID: datasetID, Scope: []string{filepath}}
	}
	return project, nil
}

// shared runs fn once for all concurrent callers of key. The request is
// detached from the caller that started it and bounded by the client timeout;
// every caller stops waiting when its own context ends.
func (g *Gateway) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	flight := context.WithoutCancel(ctx)
	ch := g.group.DoChan(key, func() (any, error) { return fn(flight) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (g *Gateway) getJSON(ctx context.Context, datasetID, resource string, out interface{}) error {
	target := g.baseURL + "rest/v1/" + resource

	g.logger.Debug().Str("url", target).Msg("Requesting Metax API")

	resp, err := g.client.Get(ctx, target)
	if err != nil {
		g.logger.Error().Err(err).Str("url", target).Msg("Unable to connect to Metax API")
		return &ConnectionError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		g.logger.Error().Str("dataset_id", datasetID).Msg("Dataset not found in Metax API")
		return &DatasetNotFoundError{DatasetID: datasetID}
	case resp.StatusCode != http.StatusOK:
		g.logger.Error().
			Int("status", resp.StatusCode).
			Str("url", target).
			Msg("Received unexpected status code from Metax API")
		return &UnexpectedStatusCodeError{URL: target, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &ConnectionError{URL: target, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ConnectionError{URL: target, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// IsNotFound reports whether err means the dataset no longer exists
func IsNotFound(err error) bool {
	var nf *DatasetNotFoundError
	return errors.As(err, &nf)
}
