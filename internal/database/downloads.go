package database

import (
	"context"
	"fmt"
	"time"
)

// CreateAuthorization stores a download authorization
func (s *Store) CreateAuthorization(ctx context.Context, auth Authorization) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO download_authorization (token, dataset_id, package, project_id, filepath, created, expires)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, auth.Token, auth.DatasetID, auth.Package, auth.ProjectID, auth.FilePath, auth.Created, auth.Expires)
	if err != nil {
		return fmt.Errorf("failed to insert authorization: %w", translate(err))
	}
	return nil
}

// GetAuthorization returns the authorization issued for a token
func (s *Store) GetAuthorization(ctx context.Context, token string) (*Authorization, error) {
	var auth Authorization
	err := s.pool.QueryRow(ctx, `
		SELECT token, dataset_id, package, project_id, filepath, created, expires
		FROM download_authorization
		WHERE token = $1
	`, token).Scan(&auth.Token, &auth.DatasetID, &auth.Package, &auth.ProjectID,
		&auth.FilePath, &auth.Created, &auth.Expires)
	if err != nil {
		return nil, translate(err)
	}
	auth.Created = auth.Created.UTC()
	auth.Expires = auth.Expires.UTC()
	return &auth, nil
}

// CreateDownloadRecord marks a token as used. The unique constraint on token
// turns a second redemption into ErrDuplicate.
func (s *Store) CreateDownloadRecord(ctx context.Context, token, filename string, pkg *string) (*DownloadRecord, error) {
	rec := DownloadRecord{Token: token, Filename: filename, Package: pkg, Status: DownloadStarted}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO download (token, filename, package, status, started)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, started
	`, token, filename, pkg, rec.Status).Scan(&rec.ID, &rec.Started)
	if err != nil {
		return nil, translate(err)
	}
	rec.Started = rec.Started.UTC()
	return &rec, nil
}

// GetDownloadRecord returns the download record of a token
func (s *Store) GetDownloadRecord(ctx context.Context, token string) (*DownloadRecord, error) {
	var rec DownloadRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, token, filename, package, status, started, finished
		FROM download
		WHERE token = $1
	`, token).Scan(&rec.ID, &rec.Token, &rec.Filename, &rec.Package, &rec.Status, &rec.Started, &rec.Finished)
	if err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

// FinishDownloadRecord stores the outcome of a download
func (s *Store) FinishDownloadRecord(ctx context.Context, id int64, status DownloadStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE download SET status = $2, finished = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("failed to finish download record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredAuthorizations removes authorizations that expired before the
// given time. Download records are kept.
func (s *Store) DeleteExpiredAuthorizations(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM download_authorization WHERE expires < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired authorizations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
