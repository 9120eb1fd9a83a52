// Package store persists jobs, their logs and the worker liveness record.
//
// Two backend families implement the same contract: a JSON state file
// (default) whose every operation is one locked read-modify-write cycle, and
// SQL databases (sqlite, postgres) using one transaction per operation.
// Either way each logical operation is serialized against all others, and
// every read returns copies that callers may freely mutate.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/hpcops/spackq/internal/model"
)

// ErrNotFound is returned for operations against an unknown job id.
var ErrNotFound = errors.New("job not found")

// ErrRetryNotEligible is returned when a retry is requested for a job that is
// not failed or has exhausted its retry budget.
var ErrRetryNotEligible = errors.New("not eligible for retry")

// DuplicatePackageError rejects a submission while the package already has a
// pending or running job.
type DuplicatePackageError struct {
	PackageName string
	ExistingID  int64
}

func (e *DuplicatePackageError) Error() string {
	return fmt.Sprintf("Package '%s' is already queued or being installed (Job ID: %d)", e.PackageName, e.ExistingID)
}

// CreateJobRequest carries the fields of a new job. Retry limits left at zero
// are filled from the store's configured defaults.
type CreateJobRequest struct {
	PackageName   string
	Priority      model.Priority
	Dependencies  []string
	EstimatedTime float64
	SubmittedBy   string
	SpackCommand  string
}

// StatusUpdate lists the optional fields of a status transition; nil fields
// are left untouched.
type StatusUpdate struct {
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ActualTime   *float64
	ErrorMessage *string
}

type Store interface {
	// CreateJob appends a new pending job, assigning the next id. It fails
	// with a DuplicatePackageError when the package already has an active job.
	CreateJob(req CreateJobRequest) (*model.Job, error)

	// Job returns the job with the given id, or ErrNotFound.
	Job(id int64) (*model.Job, error)

	// Jobs returns all jobs, newest submission first. An empty status returns
	// every job.
	Jobs(status model.Status) ([]*model.Job, error)

	// UpdateJobStatus applies a legal status transition plus the non-nil
	// fields of upd, and records the change in the job's log.
	UpdateJobStatus(id int64, status model.Status, upd StatusUpdate) error

	// AppendLog records one log line for a job.
	AppendLog(jobID int64, level model.LogLevel, message string) error

	// JobLogs returns a job's log entries in timestamp order.
	JobLogs(jobID int64) ([]*model.LogEntry, error)

	// StatusCounts returns the number of jobs per status, with zero entries
	// for unused statuses.
	StatusCounts() (map[model.Status]int, error)

	// CompletedPackageNames returns the set of packages with a completed job.
	CompletedPackageNames() (map[string]bool, error)

	// CleanupOlderThan removes terminal jobs completed before the retention
	// cutoff, along with logs that no longer belong to any job. It returns
	// the number of removed jobs.
	CleanupOlderThan(keepDays int) (int, error)

	// CreateRetryJob clones a failed job into a fresh pending attempt with a
	// backoff-scaled retry delay, stamping the original's retry bookkeeping.
	CreateRetryJob(originalID int64) (*model.Job, error)

	// RetryEligibleJobs returns failed jobs with retry budget left whose
	// retry delay has elapsed.
	RetryEligibleJobs() ([]*model.Job, error)

	// WorkerStatus returns the worker liveness record, or nil if no worker
	// ever registered.
	WorkerStatus() (*model.WorkerStatus, error)

	// SetWorkerStatus updates the liveness record. currentJobID is stored as
	// given (nil clears it); startedAt and processID apply only when non-nil.
	// The heartbeat timestamp always refreshes, and deactivating clears the
	// current job, start time and pid.
	SetWorkerStatus(active bool, currentJobID *int64, startedAt *time.Time, processID *int) error

	Close() error
}

// Options carry the retry defaults stamped onto newly created jobs.
type Options struct {
	MaxRetries     int
	RetryBaseDelay float64 // seconds
	RetryBackoff   float64 // multiplier per successive retry
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 60.0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2.0
	}
	return o
}

// Open constructs the backend selected by cfg.
func Open(cfg model.DatabaseConfig, opts Options) (Store, error) {
	switch cfg.Type {
	case model.DatabaseTypeJSON, "":
		return NewFileStore(cfg.Path, opts)
	case model.DatabaseTypeSQLite:
		return NewSQLiteStore(cfg.URL, opts)
	case model.DatabaseTypePostgres:
		return NewPostgresStore(cfg.URL, opts)
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Type)
	}
}
