package generator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairdata/download-service/internal/cache"
	"github.com/fairdata/download-service/internal/database"
	"github.com/fairdata/download-service/internal/ida"
	"github.com/fairdata/download-service/internal/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	tasks    map[string]*database.Task
	scopes   map[string][]string
	packages map[string]database.Package
	subs     map[string][]database.Subscription

	// statusErr fails the next move to that status once
	statusErr map[database.TaskStatus]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:    make(map[string]*database.Task),
		scopes:   make(map[string][]string),
		packages: make(map[string]database.Package),
		subs:     make(map[string][]database.Subscription),

		statusErr: make(map[database.TaskStatus]error),
	}
}

func (s *fakeStore) GetTask(ctx context.Context, taskID string) (*database.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (s *fakeStore) GetTaskScope(ctx context.Context, taskID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scopes[taskID], nil
}

func (s *fakeStore) GetPackageForTask(ctx context.Context, taskID string) (*database.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.packages {
		if p.GeneratedBy == taskID {
			return &p, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) UpdateTaskStatus(ctx context.Context, taskID string, status database.TaskStatus, message *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.statusErr[status]; err != nil {
		delete(s.statusErr, status)
		return err
	}
	s.tasks[taskID].Status = status
	s.tasks[taskID].ErrorMessage = message
	return nil
}

func (s *fakeStore) MarkTaskRetry(ctx context.Context, taskID string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID].Status = database.StatusRetry
	s.tasks[taskID].Retries++
	s.tasks[taskID].ErrorMessage = &message
	return nil
}

func (s *fakeStore) CompleteTaskWithPackage(ctx context.Context, pkg database.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packages[pkg.Filename] = pkg
	s.tasks[pkg.GeneratedBy].Status = database.StatusSuccess
	done := time.Now().UTC()
	s.tasks[pkg.GeneratedBy].DateDone = &done
	return nil
}

func (s *fakeStore) ListSubscriptions(ctx context.Context, taskID string) ([]database.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[taskID], nil
}

func (s *fakeStore) DeleteSubscriptions(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, taskID)
	return nil
}

func (s *fakeStore) status(taskID string) database.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[taskID].Status
}

type fakeHousekeeper struct {
	calls int
	err   error
}

func (h *fakeHousekeeper) Housekeep(ctx context.Context) ([]cache.Report, error) {
	h.calls++
	return []cache.Report{{Operation: "purge", Message: "No ghost files found"}}, h.err
}

type fakeNotifier struct {
	sent []database.Subscription
}

func (n *fakeNotifier) NotifyAll(ctx context.Context, subs []database.Subscription) int {
	n.sent = append(n.sent, subs...)
	return len(subs)
}

// switchableStorage reports offline according to a script of answers
type switchableStorage struct {
	*ida.Storage
	answers []bool
}

func (s *switchableStorage) Offline() bool {
	if len(s.answers) == 0 {
		return false
	}
	answer := s.answers[0]
	s.answers = s.answers[1:]
	return answer
}

type harness struct {
	store    *fakeStore
	cache    *fakeHousekeeper
	notifier *fakeNotifier
	files    *switchableStorage
	cacheDir string
	gen      *Generator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	idaRoot := t.TempDir()
	writeSource(t, idaRoot, "proj", "/data/a/1.txt", "first file")
	writeSource(t, idaRoot, "proj", "/data/a/2.txt", "second file")
	writeSource(t, idaRoot, "proj", "/readme.txt", "not in scope")

	cacheDir := t.TempDir()
	packages, err := storage.NewLocalStorage(cacheDir)
	require.NoError(t, err)

	h := &harness{
		store:    newFakeStore(),
		cache:    &fakeHousekeeper{},
		notifier: &fakeNotifier{},
		files:    &switchableStorage{Storage: ida.New(idaRoot)},
		cacheDir: cacheDir,
	}
	h.store.tasks["task-1"] = &database.Task{TaskID: "task-1", DatasetID: "D1", ProjectID: "proj", Status: database.StatusPending}
	h.store.scopes["task-1"] = []string{"/data/a/1.txt", "/data/a/2.txt"}
	h.store.subs["task-1"] = []database.Subscription{{ID: 1, TaskID: "task-1", NotifyURL: "http://hook", SubscriptionData: "abc"}}

	h.gen = New(h.store, h.cache, packages, h.files, h.notifier, 10*time.Minute, nil, nil)
	return h
}

func writeSource(t *testing.T, root, project, path, content string) {
	t.Helper()
	full := filepath.Join(root, "PSO_"+project, "files", project, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
}

func (h *harness) cacheFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.cacheDir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

var request = Request{TaskID: "task-1", DatasetID: "D1", ProjectID: "proj"}

func TestGenerateBuildsPackage(t *testing.T) {
	h := newHarness(t)

	pkg, err := h.gen.Generate(context.Background(), request)
	require.NoError(t, err)

	assert.Equal(t, database.StatusSuccess, h.store.status("task-1"))
	assert.Equal(t, 1, h.cache.calls)
	assert.Regexp(t, `^D1_.+\.zip$`, pkg.Filename)
	assert.Equal(t, []string{pkg.Filename}, h.cacheFiles(t))
	assert.Equal(t, h.store.packages[pkg.Filename], *pkg)

	full := filepath.Join(h.cacheDir, pkg.Filename)
	info, err := os.Stat(full)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), pkg.SizeBytes)

	packages, err := storage.NewLocalStorage(h.cacheDir)
	require.NoError(t, err)
	sum, err := packages.GetChecksum(context.Background(), pkg.Filename)
	require.NoError(t, err)
	assert.Equal(t, sum, pkg.Checksum)

	zr, err := zip.OpenReader(full)
	require.NoError(t, err)
	defer zr.Close()

	contents := map[string]string{}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		contents[f.Name] = string(body)
		assert.Equal(t, zip.Deflate, f.Method)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"data/a/1.txt", "data/a/2.txt"}, names)
	assert.Equal(t, "first file", contents["data/a/1.txt"])

	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, "abc", h.notifier.sent[0].SubscriptionData)
	assert.Empty(t, h.store.subs["task-1"])
}

func TestGenerateContinuesWhenHousekeepingFails(t *testing.T) {
	h := newHarness(t)
	h.cache.err = errors.New("metax unavailable")

	_, err := h.gen.Generate(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, database.StatusSuccess, h.store.status("task-1"))
}

func TestGenerateRetriesWhileStorageOffline(t *testing.T) {
	h := newHarness(t)
	h.files.answers = []bool{true}

	_, err := h.gen.Generate(context.Background(), request)

	var retry *RetryError
	require.ErrorAs(t, err, &retry)
	assert.Equal(t, 10*time.Minute, retry.Delay)
	assert.Equal(t, database.StatusRetry, h.store.status("task-1"))
	assert.Equal(t, 1, h.store.tasks["task-1"].Retries)
	assert.Zero(t, h.cache.calls)
	assert.Empty(t, h.cacheFiles(t))
	assert.Empty(t, h.notifier.sent)
}

func TestGenerateDiscardsPackageWhenStorageWentOffline(t *testing.T) {
	h := newHarness(t)
	h.files.answers = []bool{false, true}

	_, err := h.gen.Generate(context.Background(), request)

	var retry *RetryError
	require.ErrorAs(t, err, &retry)
	assert.Equal(t, database.StatusRetry, h.store.status("task-1"))
	assert.Empty(t, h.cacheFiles(t))
	assert.Empty(t, h.store.packages)
	assert.Len(t, h.store.subs["task-1"], 1)
}

func TestGenerateFailsOnMissingSource(t *testing.T) {
	h := newHarness(t)
	h.store.scopes["task-1"] = []string{"/data/a/1.txt", "/data/missing.txt"}

	_, err := h.gen.Generate(context.Background(), request)

	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "D1", buildErr.DatasetID)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, database.StatusFailed, h.store.status("task-1"))
	require.NotNil(t, h.store.tasks["task-1"].ErrorMessage)
	assert.Contains(t, *h.store.tasks["task-1"].ErrorMessage, "/data/missing.txt")
	assert.Empty(t, h.cacheFiles(t))
	assert.Empty(t, h.notifier.sent)
	assert.Empty(t, h.store.subs["task-1"])
}

func TestGenerateIsIdempotentForFinishedTask(t *testing.T) {
	h := newHarness(t)

	first, err := h.gen.Generate(context.Background(), request)
	require.NoError(t, err)

	second, err := h.gen.Generate(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.cache.calls)
	assert.Len(t, h.cacheFiles(t), 1)
}

func TestGenerateStoreErrorBeforeStartIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.store.statusErr[database.StatusStarted] = errors.New("connection reset")

	_, err := h.gen.Generate(context.Background(), request)
	require.ErrorContains(t, err, "connection reset")

	var buildErr *BuildError
	var retryErr *RetryError
	assert.False(t, errors.As(err, &buildErr))
	assert.False(t, errors.As(err, &retryErr))
	assert.Equal(t, database.StatusPending, h.store.status("task-1"))
	assert.Empty(t, h.cacheFiles(t))

	// The job runs again once the store is back
	pkg, err := h.gen.Generate(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, database.StatusSuccess, h.store.status("task-1"))
	assert.Equal(t, []string{pkg.Filename}, h.cacheFiles(t))
}

func TestGenerateUnknownTaskIsTerminal(t *testing.T) {
	h := newHarness(t)

	_, err := h.gen.Generate(context.Background(), Request{TaskID: "task-x", DatasetID: "D1"})

	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.ErrorIs(t, err, database.ErrNotFound)
}
