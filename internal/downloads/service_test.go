package downloads

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairdata/download-service/internal/apperr"
	"github.com/fairdata/download-service/internal/database"
	"github.com/fairdata/download-service/internal/ida"
	"github.com/fairdata/download-service/internal/metax"
	"github.com/fairdata/download-service/internal/storage"
	"github.com/fairdata/download-service/internal/tasks"
)

type fakeStore struct {
	mu      sync.Mutex
	auths   map[string]database.Authorization
	records map[string]*database.DownloadRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		auths:   make(map[string]database.Authorization),
		records: make(map[string]*database.DownloadRecord),
	}
}

func (s *fakeStore) CreateAuthorization(ctx context.Context, auth database.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auths[auth.Token] = auth
	return nil
}

func (s *fakeStore) GetAuthorization(ctx context.Context, token string) (*database.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auth, ok := s.auths[token]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &auth, nil
}

func (s *fakeStore) CreateDownloadRecord(ctx context.Context, token, filename string, pkg *string) (*database.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, used := s.records[token]; used {
		return nil, database.ErrDuplicate
	}
	rec := &database.DownloadRecord{
		ID:       int64(len(s.records) + 1),
		Token:    token,
		Filename: filename,
		Package:  pkg,
		Status:   database.DownloadStarted,
		Started:  time.Now().UTC(),
	}
	s.records[token] = rec
	return rec, nil
}

func (s *fakeStore) GetDownloadRecord(ctx context.Context, token string) (*database.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[token]
	if !ok {
		return nil, database.ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) FinishDownloadRecord(ctx context.Context, id int64, status database.DownloadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ID == id {
			rec.Status = status
			return nil
		}
	}
	return database.ErrNotFound
}

type fakeValidator struct {
	mu  sync.Mutex
	err error
}

func (v *fakeValidator) set(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.err = err
}

func (v *fakeValidator) ValidatePackageForDownload(ctx context.Context, datasetID, filename string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

type fakeOwners map[string]string

func (o fakeOwners) ResolveOwner(ctx context.Context, datasetID, filepath string) (string, error) {
	project, ok := o[filepath]
	if !ok {
		return "", &metax.NoMatchingFilesError{DatasetID: datasetID, Scope: []string{filepath}}
	}
	return project, nil
}

type harness struct {
	store     *fakeStore
	validator *fakeValidator
	idaRoot   string
	service   *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cacheDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "D1_pkg.zip"), []byte("zip bytes"), 0644))
	packages, err := storage.NewLocalStorage(cacheDir)
	require.NoError(t, err)

	idaRoot := t.TempDir()
	src := filepath.Join(idaRoot, "PSO_proj", "files", "proj", "data", "1.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0755))
	require.NoError(t, os.WriteFile(src, []byte("file bytes"), 0644))

	h := &harness{store: newFakeStore(), validator: &fakeValidator{}, idaRoot: idaRoot}
	h.service = NewService(h.store, h.validator, fakeOwners{"/data/1.txt": "proj"}, packages, ida.New(idaRoot), time.Hour, nil, nil)
	return h
}

func (h *harness) setOffline(t *testing.T) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(h.idaRoot, "control"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(h.idaRoot, "control", "OFFLINE"), nil, 0644))
}

func TestPackageDownloadIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	auth, err := h.service.AuthorizePackage(ctx, "D1", "D1_pkg.zip")
	require.NoError(t, err)
	assert.NotEmpty(t, auth.Token)
	assert.Equal(t, time.Hour, auth.Expires.Sub(auth.Created))

	dl, err := h.service.Redeem(ctx, auth.Token)
	require.NoError(t, err)
	assert.Equal(t, "D1_pkg.zip", dl.Filename)
	assert.Equal(t, int64(9), dl.Size)
	body, err := io.ReadAll(dl.Content)
	require.NoError(t, err)
	assert.Equal(t, "zip bytes", string(body))
	require.NoError(t, dl.Finish(ctx, true))
	assert.Equal(t, database.DownloadSuccessful, h.store.records[auth.Token].Status)

	_, err = h.service.Redeem(ctx, auth.Token)
	var used *TokenAlreadyUsedError
	require.ErrorAs(t, err, &used)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	_, err = h.service.Redeem(ctx, "not-a-token")
	var invalid *InvalidTokenError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, apperr.Unauthorized, apperr.KindOf(err))
	assert.False(t, errors.As(err, &used))
}

func TestConcurrentRedemptionSucceedsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	auth, err := h.service.AuthorizePackage(ctx, "D1", "D1_pkg.zip")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dl, err := h.service.Redeem(ctx, auth.Token)
			mu.Lock()
			defer mu.Unlock()
			var used *TokenAlreadyUsedError
			switch {
			case err == nil:
				successes++
				_ = dl.Finish(ctx, true)
			case errors.As(err, &used):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 9, conflicts)
}

func TestPackageRevalidatedAtRedemption(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	auth, err := h.service.AuthorizePackage(ctx, "D1", "D1_pkg.zip")
	require.NoError(t, err)

	h.validator.set(&tasks.PackageOutdatedError{DatasetID: "D1", Package: "D1_pkg.zip"})

	_, err = h.service.Redeem(ctx, auth.Token)
	var outdated *tasks.PackageOutdatedError
	require.ErrorAs(t, err, &outdated)
	// The token was not consumed
	assert.Empty(t, h.store.records)
}

func TestAuthorizePackageValidates(t *testing.T) {
	h := newHarness(t)
	h.validator.set(&tasks.NoPackageRecordError{DatasetID: "D1", Package: "D1_x.zip"})

	_, err := h.service.AuthorizePackage(context.Background(), "D1", "D1_x.zip")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	assert.Empty(t, h.store.auths)
}

func TestExpiredToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	auth, err := h.service.AuthorizePackage(ctx, "D1", "D1_pkg.zip")
	require.NoError(t, err)

	h.service.now = func() time.Time { return auth.Expires.Add(time.Second) }
	_, err = h.service.Redeem(ctx, auth.Token)
	var invalid *InvalidTokenError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "token expired", invalid.Reason)
}

func TestFileDownload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.AuthorizeFile(ctx, "D1", "/etc/passwd")
	var noMatch *metax.NoMatchingFilesError
	require.ErrorAs(t, err, &noMatch)

	auth, err := h.service.AuthorizeFile(ctx, "D1", "/data/1.txt")
	require.NoError(t, err)
	require.NotNil(t, auth.ProjectID)
	assert.Equal(t, "proj", *auth.ProjectID)
	assert.Nil(t, auth.Package)

	dl, err := h.service.Redeem(ctx, auth.Token)
	require.NoError(t, err)
	assert.Equal(t, "1.txt", dl.Filename)
	body, err := io.ReadAll(dl.Content)
	require.NoError(t, err)
	assert.Equal(t, "file bytes", string(body))
	require.NoError(t, dl.Finish(ctx, false))
	assert.Equal(t, database.DownloadFailed, h.store.records[auth.Token].Status)
	assert.Nil(t, h.store.records[auth.Token].Package)
}

func TestFileDownloadRefusedWhileOffline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	auth, err := h.service.AuthorizeFile(ctx, "D1", "/data/1.txt")
	require.NoError(t, err)

	h.setOffline(t)

	_, err = h.service.AuthorizeFile(ctx, "D1", "/data/1.txt")
	var offline *StorageOfflineError
	require.ErrorAs(t, err, &offline)

	_, err = h.service.Redeem(ctx, auth.Token)
	require.ErrorAs(t, err, &offline)
	assert.Empty(t, h.store.records)
}
