// Package downloads issues single-use download tokens and redeems them.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fairdata/download-service/internal/database"
	"github.com/fairdata/download-service/internal/metrics"
	"github.com/fairdata/download-service/internal/storage"
)

// Store is the part of the record store downloads need
type Store interface {
	CreateAuthorization(ctx context.Context, auth database.Authorization) error
	GetAuthorization(ctx context.Context, token string) (*database.Authorization, error)
	CreateDownloadRecord(ctx context.Context, token, filename string, pkg *string) (*database.DownloadRecord, error)
	GetDownloadRecord(ctx context.Context, token string) (*database.DownloadRecord, error)
	FinishDownloadRecord(ctx context.Context, id int64, status database.DownloadStatus) error
}

// PackageValidator checks that a package still matches its dataset
type PackageValidator interface {
	ValidatePackageForDownload(ctx context.Context, datasetID, filename string) error
}

// OwnerResolver finds the project owning a dataset file
type OwnerResolver interface {
	ResolveOwner(ctx context.Context, datasetID, filepath string) (string, error)
}

// FileStorage locates dataset files
type FileStorage interface {
	FilePath(project, path string) (string, error)
	Offline() bool
}

const (
	kindPackage = "package"
	kindFile    = "file"
)

// Service authorizes and serves downloads
type Service struct {
	store     Store
	validator PackageValidator
	owners    OwnerResolver
	packages  storage.Storage
	files     FileStorage
	ttl       time.Duration
	metrics   *metrics.Recorder
	logger    *zerolog.Logger
	now       func() time.Time
}

// NewService creates a download service
func NewService(store Store, validator PackageValidator, owners OwnerResolver, packages storage.Storage, files FileStorage, ttl time.Duration, rec *metrics.Recorder, logger *zerolog.Logger) *Service {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "downloads").Logger()
	return &Service{
		store:     store,
		validator: validator,
		owners:    owners,
		packages:  packages,
		files:     files,
		ttl:       ttl,
		metrics:   rec,
		logger:    &l,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AuthorizePackage issues a token for a valid, current package
func (s *Service) AuthorizePackage(ctx context.Context, datasetID, filename string) (*database.Authorization, error) {
	if err := s.validator.ValidatePackageForDownload(ctx, datasetID, filename); err != nil {
		return nil, err
	}
	return s.issue(ctx, database.Authorization{DatasetID: datasetID, Package: &filename})
}

// AuthorizeFile issues a token for a single file of a dataset
func (s *Service) AuthorizeFile(ctx context.Context, datasetID, filepath string) (*database.Authorization, error) {
	if s.files.Offline() {
		return nil, &StorageOfflineError{}
	}
	project, err := s.owners.ResolveOwner(ctx, datasetID, filepath)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, database.Authorization{DatasetID: datasetID, ProjectID: &project, FilePath: &filepath})
}

func (s *Service) issue(ctx context.Context, auth database.Authorization) (*database.Authorization, error) {
	auth.Token = uuid.NewString()
	auth.Created = s.now()
	auth.Expires = auth.Created.Add(s.ttl)

	if err := s.store.CreateAuthorization(ctx, auth); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("dataset_id", auth.DatasetID).
		Time("expires", auth.Expires).
		Msg("Issued download authorization")
	return &auth, nil
}

// Download is a redeemed token ready to stream
type Download struct {
	Filename string
	Content  storage.ReadSeekCloser
	Size     int64
	ModTime  time.Time

	finish func(ctx context.Context, successful bool) error
}

// NewDownload wraps open content. finish, if set, is called by Finish after
// the content is closed.
func NewDownload(filename string, content storage.ReadSeekCloser, size int64, modTime time.Time, finish func(ctx context.Context, successful bool) error) *Download {
	return &Download{Filename: filename, Content: content, Size: size, ModTime: modTime, finish: finish}
}

// Finish closes the content and records the outcome
func (d *Download) Finish(ctx context.Context, successful bool) error {
	closeErr := d.Content.Close()
	if d.finish != nil {
		if err := d.finish(ctx, successful); err != nil {
			return err
		}
	}
	return closeErr
}

func (s *Service) finisher(kind string, record *database.DownloadRecord) func(context.Context, bool) error {
	return func(ctx context.Context, successful bool) error {
		status := database.DownloadSuccessful
		if !successful {
			status = database.DownloadFailed
		}
		s.metrics.RecordDownload(kind, successful)

		if err := s.store.FinishDownloadRecord(ctx, record.ID, status); err != nil {
			return fmt.Errorf("failed to record download outcome: %w", err)
		}
		return nil
	}
}

// Redeem consumes a token and opens the authorized content. A token is
// accepted once; package tokens are validated against the dataset again.
func (s *Service) Redeem(ctx context.Context, token string) (*Download, error) {
	auth, err := s.store.GetAuthorization(ctx, token)
	if errors.Is(err, database.ErrNotFound) {
		return nil, &InvalidTokenError{Reason: "unknown token"}
	}
	if err != nil {
		return nil, err
	}
	if !s.now().Before(auth.Expires) {
		return nil, &InvalidTokenError{Reason: "token expired"}
	}

	if _, err := s.store.GetDownloadRecord(ctx, token); err == nil {
		return nil, &TokenAlreadyUsedError{Token: token}
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	dl, kind, err := s.open(ctx, auth)
	if err != nil {
		return nil, err
	}

	record, err := s.store.CreateDownloadRecord(ctx, token, dl.Filename, auth.Package)
	if err != nil {
		dl.Content.Close()
		if errors.Is(err, database.ErrDuplicate) {
			return nil, &TokenAlreadyUsedError{Token: token}
		}
		return nil, err
	}
	dl.finish = s.finisher(kind, record)

	s.logger.Info().
		Str("dataset_id", auth.DatasetID).
		Str("filename", dl.Filename).
		Str("kind", kind).
		Msg("Download started")
	return dl, nil
}

func (s *Service) open(ctx context.Context, auth *database.Authorization) (*Download, string, error) {
	if auth.Package != nil {
		if err := s.validator.ValidatePackageForDownload(ctx, auth.DatasetID, *auth.Package); err != nil {
			return nil, "", err
		}
		f, err := s.packages.Open(ctx, *auth.Package)
		if errors.Is(err, storage.ErrNotExist) {
			return nil, "", &FileNotFoundError{Name: *auth.Package}
		}
		if err != nil {
			return nil, "", err
		}
		dl, err := newDownload(f, *auth.Package)
		return dl, kindPackage, err
	}

	if auth.FilePath == nil || auth.ProjectID == nil {
		return nil, "", &InvalidTokenError{Reason: "token grants nothing"}
	}
	if s.files.Offline() {
		return nil, "", &StorageOfflineError{}
	}
	full, err := s.files.FilePath(*auth.ProjectID, *auth.FilePath)
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", &FileNotFoundError{Name: *auth.FilePath}
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to open %s: %w", *auth.FilePath, err)
	}
	dl, err := newDownload(f, path.Base(*auth.FilePath))
	return dl, kindFile, err
}

func newDownload(f storage.ReadSeekCloser, filename string) (*Download, error) {
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", filename, err)
	}
	return NewDownload(filename, f, info.Size(), info.ModTime().UTC(), nil), nil
}
