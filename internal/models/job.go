package models

import (
	"fmt"
	"time"
)

// JobKind is the closed set of indexing stages a job can run.
type JobKind string

const (
	JobOCR     JobKind = "ocr"
	JobEmbed   JobKind = "embed"
	JobAnalyze JobKind = "analyze"
	JobReindex JobKind = "reindex"
)

// JobKinds lists every kind; the pipeline registers one handler per entry.
var JobKinds = []JobKind{JobOCR, JobEmbed, JobAnalyze, JobReindex}

// ParseJobKind validates s against JobKinds.
func ParseJobKind(s string) (JobKind, error) {
	for _, k := range JobKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// JobStatus is the lifecycle state of an IndexingJob.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// JobStatuses lists every status in lifecycle order.
var JobStatuses = []JobStatus{JobPending, JobProcessing, JobCompleted, JobFailed}

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

const DefaultJobPriority = 5

// IndexingJob is a unit of queued indexing work.
type IndexingJob struct {
	ID          int64      `json:"id"`
	DocumentID  int64      `json:"document_id"`
	Kind        JobKind    `json:"kind"`
	Priority    int        `json:"priority"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	WorkerID    string     `json:"worker_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
