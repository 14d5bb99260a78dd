package tasks

import (
	"fmt"
	"time"

	"github.com/fairdata/download-service/internal/apperr"
)

// NoActiveTasksError means the dataset has no live task for the request
type NoActiveTasksError struct {
	DatasetID string
}

func (e *NoActiveTasksError) Error() string {
	return fmt.Sprintf("no active tasks for dataset %q", e.DatasetID)
}

// Kind implements apperr.Kinded
func (e *NoActiveTasksError) Kind() apperr.Kind { return apperr.NotFound }

// NoPackageRecordError means no task produced the named package
type NoPackageRecordError struct {
	DatasetID string
	Package   string
}

func (e *NoPackageRecordError) Error() string {
	return fmt.Sprintf("no database record for package %q of dataset %q", e.Package, e.DatasetID)
}

// Kind implements apperr.Kinded
func (e *NoPackageRecordError) Kind() apperr.Kind { return apperr.NotFound }

// PackageOutdatedError means the dataset changed after the package's task began
type PackageOutdatedError struct {
	DatasetID string
	Package   string
	Initiated time.Time
	Modified  time.Time
}

func (e *PackageOutdatedError) Error() string {
	return fmt.Sprintf("package %q was generated (%s) before dataset %q was last modified (%s)",
		e.Package, e.Initiated.Format(time.RFC3339), e.DatasetID, e.Modified.Format(time.RFC3339))
}

// Kind implements apperr.Kinded
func (e *PackageOutdatedError) Kind() apperr.Kind { return apperr.Conflict }
