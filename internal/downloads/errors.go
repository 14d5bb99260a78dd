package downloads

import (
	"fmt"

	"github.com/fairdata/download-service/internal/apperr"
)

// InvalidTokenError means the token was never issued or has expired
type InvalidTokenError struct {
	Reason string
}

func (e *InvalidTokenError) Error() string {
	return "invalid download token: " + e.Reason
}

// Kind implements apperr.Kinded
func (e *InvalidTokenError) Kind() apperr.Kind { return apperr.Unauthorized }

// TokenAlreadyUsedError means the single-use token was redeemed before
type TokenAlreadyUsedError struct {
	Token string
}

func (e *TokenAlreadyUsedError) Error() string {
	return fmt.Sprintf("download token %q has already been used", e.Token)
}

// Kind implements apperr.Kinded
func (e *TokenAlreadyUsedError) Kind() apperr.Kind { return apperr.Conflict }

// StorageOfflineError means dataset files cannot be served right now
type StorageOfflineError struct{}

func (e *StorageOfflineError) Error() string { return "file storage is offline" }

// Kind implements apperr.Kinded
func (e *StorageOfflineError) Kind() apperr.Kind { return apperr.Upstream }

// FileNotFoundError means an authorized file is missing from disk
type FileNotFoundError struct {
	Name string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("file %q not found", e.Name)
}

// Kind implements apperr.Kinded
func (e *FileNotFoundError) Kind() apperr.Kind { return apperr.NotFound }
