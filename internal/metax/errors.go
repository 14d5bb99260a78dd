package metax

import (
	"fmt"

	"github.com/fairdata/download-service/internal/apperr"
)

// DatasetNotFoundError is returned when the registry has no such dataset
type DatasetNotFoundError struct {
	DatasetID string
}

func (e *DatasetNotFoundError) Error() string {
	return fmt.Sprintf("dataset %q was not found in Metax API", e.DatasetID)
}

// Kind implements apperr.Kinded
func (e *DatasetNotFoundError) Kind() apperr.Kind { return apperr.NotFound }

// UnexpectedStatusCodeError is returned for any non-200 answer the gateway
// does not otherwise classify
type UnexpectedStatusCodeError struct {
	URL        string
	StatusCode int
}

func (e *UnexpectedStatusCodeError) Error() string {
	return fmt.Sprintf("unexpected status code %d from Metax API (%s)", e.StatusCode, e.URL)
}

// Kind implements apperr.Kinded
func (e *UnexpectedStatusCodeError) Kind() apperr.Kind { return apperr.Upstream }

// MissingFieldsError is returned when none of the expected fields are present
type MissingFieldsError struct {
	DatasetID string
	Fields    []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("missing fields %v in Metax API response for dataset %q", e.Fields, e.DatasetID)
}

// Kind implements apperr.Kinded
func (e *MissingFieldsError) Kind() apperr.Kind { return apperr.Upstream }

// NoMatchingFilesError is returned when a scope or file path selects nothing
// from the dataset's file listing
type NoMatchingFilesError struct {
	DatasetID string
	Scope     []string
}

func (e *NoMatchingFilesError) Error() string {
	if len(e.Scope) == 0 {
		return fmt.Sprintf("no matching files for dataset %q were found in Metax API", e.DatasetID)
	}
	return fmt.Sprintf("no files matching %v for dataset %q were found in Metax API", e.Scope, e.DatasetID)
}

// Kind implements apperr.Kinded
func (e *NoMatchingFilesError) Kind() apperr.Kind { return apperr.NotFound }

// ConnectionError wraps transport failures and malformed responses
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("unable to connect to Metax API on %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Kind implements apperr.Kinded
func (e *ConnectionError) Kind() apperr.Kind { return apperr.Upstream }
