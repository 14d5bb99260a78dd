package database

import (
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a generation task
type TaskStatus string

const (
	StatusNew     TaskStatus = "NEW"
	StatusPending TaskStatus = "PENDING"
	StatusStarted TaskStatus = "STARTED"
	StatusSuccess TaskStatus = "SUCCESS"
	StatusFailed  TaskStatus = "FAILED"
	StatusRetry   TaskStatus = "RETRY"
)

// AllStatuses lists every task status in lifecycle order
var AllStatuses = []TaskStatus{
	StatusNew, StatusPending, StatusStarted, StatusSuccess, StatusRetry, StatusFailed,
}

// IsTerminal reports whether no further transitions follow the status
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ParseTaskStatus parses a status name case-insensitively
func ParseTaskStatus(s string) (TaskStatus, bool) {
	for _, status := range AllStatuses {
		if string(status) == strings.ToUpper(s) {
			return status, true
		}
	}
	return "", false
}

// Task is one package generation effort
type Task struct {
	TaskID       string     `json:"task_id"`
	DatasetID    string     `json:"dataset_id"`
	ProjectID    string     `json:"project_id"`
	IsPartial    bool       `json:"is_partial"`
	Status       TaskStatus `json:"status"`
	Initiated    time.Time  `json:"initiated"`
	DateDone     *time.Time `json:"date_done,omitempty"`
	Retries      int        `json:"retries"`
	QueueJobID   *string    `json:"queue_job_id,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	// Package is set by listing queries when the task produced one
	Package *string `json:"package,omitempty"`
}

// NewTask holds the values needed to create a task
type NewTask struct {
	DatasetID string
	ProjectID string
	IsPartial bool
	// Scope is the resolved set of file paths the package will contain
	Scope []string
	// RequestScope is the literal path list the client asked for
	RequestScope []string
}

// Package is a generated archive
type Package struct {
	Filename    string `json:"filename"`
	SizeBytes   int64  `json:"size_bytes"`
	Checksum    string `json:"checksum"`
	GeneratedBy string `json:"generated_by"`
}

// ActivePackage is a package joined with its task and download activity
type ActivePackage struct {
	Filename       string     `json:"filename"`
	DatasetID      string     `json:"dataset_id"`
	TaskID         string     `json:"task_id"`
	SizeBytes      int64      `json:"size_bytes"`
	Checksum       string     `json:"checksum"`
	GeneratedAt    time.Time  `json:"generated_at"`
	Downloads      int        `json:"downloads"`
	LastDownloaded *time.Time `json:"last_downloaded,omitempty"`
}

// CacheStats summarises the package rows
type CacheStats struct {
	Packages      int   `json:"packages"`
	UsageBytes    int64 `json:"usage_bytes"`
	LargestBytes  int64 `json:"largest_bytes"`
	SmallestBytes int64 `json:"smallest_bytes"`
}

// Subscription is a one-shot completion notification
type Subscription struct {
	ID               int64     `json:"id"`
	TaskID           string    `json:"task_id"`
	NotifyURL        string    `json:"notify_url"`
	SubscriptionData string    `json:"subscription_data"`
	Created          time.Time `json:"created"`
}

// DownloadStatus is the outcome of a download
type DownloadStatus string

const (
	DownloadStarted    DownloadStatus = "STARTED"
	DownloadSuccessful DownloadStatus = "SUCCESSFUL"
	DownloadFailed     DownloadStatus = "FAILED"
)

// DownloadRecord records the use of a single-use token
type DownloadRecord struct {
	ID       int64          `json:"id"`
	Token    string         `json:"token"`
	Filename string         `json:"filename"`
	Package  *string        `json:"package,omitempty"`
	Status   DownloadStatus `json:"status"`
	Started  time.Time      `json:"started"`
	Finished *time.Time     `json:"finished,omitempty"`
}

// Authorization grants a single download of a package or a file
type Authorization struct {
	Token     string    `json:"token"`
	DatasetID string    `json:"dataset_id"`
	Package   *string   `json:"package,omitempty"`
	ProjectID *string   `json:"project_id,omitempty"`
	FilePath  *string   `json:"filepath,omitempty"`
	Created   time.Time `json:"created"`
	Expires   time.Time `json:"expires"`
}
