package generator

import (
	"fmt"
	"time"
)

// RetryError asks the queue to run the job again after Delay. It does not
// count against the job's retry budget.
type RetryError struct {
	TaskID string
	Reason string
	Delay  time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("task %s must be retried in %s: %s", e.TaskID, e.Delay, e.Reason)
}

// BuildError is a terminal failure to produce a package
type BuildError struct {
	TaskID    string
	DatasetID string
	Err       error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("failed to generate package for task %s of dataset %s: %v", e.TaskID, e.DatasetID, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }
