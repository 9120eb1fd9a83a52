// Package queue composes the job store and the scheduler into the lifecycle
// operations exposed over RPC and used by the worker.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hpcops/spackq/internal/model"
	"github.com/hpcops/spackq/internal/sched"
	"github.com/hpcops/spackq/internal/store"
)

// ErrValidation marks requests rejected before touching the store.
var ErrValidation = errors.New("invalid request")

// DefaultEstimatedTime is assumed for submissions that carry no estimate, in
// seconds.
const DefaultEstimatedTime = 300.0

// SubmitRequest carries a job submission. SubmittedBy is resolved by the
// manager, not taken from the caller.
type SubmitRequest struct {
	PackageName   string
	Priority      model.Priority
	Dependencies  []string
	EstimatedTime float64
	SpackCommand  string
}

// Status is the queue summary returned to status queries. NextJobID previews
// what the scheduler would run next, not the id counter.
type Status struct {
	StatusCounts       map[model.Status]int `json:"status_counts"`
	WorkerActive       bool                 `json:"worker_active"`
	CurrentJobID       *int64               `json:"current_job_id"`
	NextJobID          *int64               `json:"next_job_id"`
	TotalPending       int                  `json:"total_pending"`
	EstimatedTotalTime float64              `json:"estimated_total_time"`
	QueueLength        int                  `json:"queue_length"`
}

// DependencyIssue describes one pending job whose dependencies are neither
// completed nor queued.
type DependencyIssue struct {
	JobID               int64    `json:"job_id"`
	Package             string   `json:"package"`
	MissingExternalDeps []string `json:"missing_external_deps"`
}

// DependencyReport combines cycle detection with the unsatisfied-dependency
// check.
type DependencyReport struct {
	CircularDependencies    [][2]string       `json:"circular_dependencies"`
	UnsatisfiedDependencies []DependencyIssue `json:"unsatisfied_dependencies"`
}

type Manager struct {
	store    store.Store
	identity IdentityProvider
}

func NewManager(st store.Store, identity IdentityProvider) *Manager {
	if identity == nil {
		identity = OSIdentity{}
	}
	return &Manager{store: st, identity: identity}
}

// Submit validates and stores a new pending job. An empty priority defaults
// to medium, a zero estimate to DefaultEstimatedTime.
func (m *Manager) Submit(req SubmitRequest) (*model.Job, error) {
	if req.PackageName == "" {
		return nil, fmt.Errorf("%w: package_name is required", ErrValidation)
	}
	if req.Priority == "" {
		req.Priority = model.PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, req.Priority)
	}
	if req.EstimatedTime < 0 {
		return nil, fmt.Errorf("%w: estimated_time must not be negative", ErrValidation)
	}
	if req.EstimatedTime == 0 {
		req.EstimatedTime = DefaultEstimatedTime
	}

	submitter, err := m.identity.Username()
	if err != nil {
		return nil, fmt.Errorf("resolve submitting user: %w", err)
	}

	return m.store.CreateJob(store.CreateJobRequest{
		PackageName:   req.PackageName,
		Priority:      req.Priority,
		Dependencies:  req.Dependencies,
		EstimatedTime: req.EstimatedTime,
		SubmittedBy:   submitter,
		SpackCommand:  req.SpackCommand,
	})
}

func (m *Manager) Job(id int64) (*model.Job, error) {
	return m.store.Job(id)
}

func (m *Manager) Jobs(status model.Status) ([]*model.Job, error) {
	return m.store.Jobs(status)
}

// QueueStatus assembles the queue summary: per-status counts, worker
// liveness, the scheduler's pick for the next job, and the drain estimate.
func (m *Manager) QueueStatus() (*Status, error) {
	counts, err := m.store.StatusCounts()
	if err != nil {
		return nil, err
	}
	ws, err := m.store.WorkerStatus()
	if err != nil {
		return nil, err
	}
	pending, err := m.store.Jobs(model.StatusPending)
	if err != nil {
		return nil, err
	}
	completed, err := m.store.CompletedPackageNames()
	if err != nil {
		return nil, err
	}

	st := &Status{
		StatusCounts:       counts,
		TotalPending:       counts[model.StatusPending],
		EstimatedTotalTime: sched.EstimateTotalTime(pending),
		QueueLength:        len(pending),
	}
	if ws != nil {
		st.WorkerActive = ws.IsActive
		st.CurrentJobID = ws.CurrentJobID
	}
	if next := sched.NextJob(pending, completed, time.Now().UTC()); next != nil {
		id := next.ID
		st.NextJobID = &id
	}
	return st, nil
}

// Cancel stops a job that has not started. Running jobs cannot be cancelled.
func (m *Manager) Cancel(id int64) error {
	job, err := m.store.Job(id)
	if err != nil {
		return err
	}
	if job.Status != model.StatusPending {
		return fmt.Errorf("only pending jobs can be cancelled (job %d is %s)", id, job.Status)
	}
	now := time.Now().UTC()
	return m.store.UpdateJobStatus(id, model.StatusCancelled, store.StatusUpdate{CompletedAt: &now})
}

// NextJobToRun returns the scheduler's pick among pending jobs whose
// dependencies are satisfied, or nil when nothing is ready.
func (m *Manager) NextJobToRun() (*model.Job, error) {
	pending, err := m.store.Jobs(model.StatusPending)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	completed, err := m.store.CompletedPackageNames()
	if err != nil {
		return nil, err
	}
	return sched.NextJob(pending, completed, time.Now().UTC()), nil
}

func (m *Manager) MarkRunning(id int64) error {
	now := time.Now().UTC()
	return m.store.UpdateJobStatus(id, model.StatusRunning, store.StatusUpdate{StartedAt: &now})
}

// MarkCompleted finishes a running job, recording the wall-clock duration
// and, on failure, the error message.
func (m *Manager) MarkCompleted(id int64, success bool, errorMessage string) error {
	job, err := m.store.Job(id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	upd := store.StatusUpdate{CompletedAt: &now}
	if job.StartedAt != nil {
		actual := now.Sub(*job.StartedAt).Seconds()
		upd.ActualTime = &actual
	}
	status := model.StatusCompleted
	if !success {
		status = model.StatusFailed
		upd.ErrorMessage = &errorMessage
	}
	return m.store.UpdateJobStatus(id, status, upd)
}

func (m *Manager) CreateRetryJob(originalID int64) (*model.Job, error) {
	return m.store.CreateRetryJob(originalID)
}

func (m *Manager) RetryEligibleJobs() ([]*model.Job, error) {
	return m.store.RetryEligibleJobs()
}

func (m *Manager) CleanupCompletedJobs(keepDays int) (int, error) {
	return m.store.CleanupOlderThan(keepDays)
}

func (m *Manager) JobLogs(id int64) ([]*model.LogEntry, error) {
	if _, err := m.store.Job(id); err != nil {
		return nil, err
	}
	return m.store.JobLogs(id)
}

// OptimizedOrder returns all pending jobs in the order the scheduler would
// drain them.
func (m *Manager) OptimizedOrder() ([]*model.Job, error) {
	pending, err := m.store.Jobs(model.StatusPending)
	if err != nil {
		return nil, err
	}
	return sched.OptimizeOrder(pending, time.Now().UTC()), nil
}

// DetectDependencyIssues reports dependency cycles among pending jobs and
// pending jobs that wait on packages that are neither completed nor queued.
func (m *Manager) DetectDependencyIssues() (*DependencyReport, error) {
	pending, err := m.store.Jobs(model.StatusPending)
	if err != nil {
		return nil, err
	}
	completed, err := m.store.CompletedPackageNames()
	if err != nil {
		return nil, err
	}

	report := &DependencyReport{
		CircularDependencies: sched.DetectCircularDependencies(pending),
	}

	queued := make(map[string]bool, len(pending))
	for _, j := range pending {
		queued[j.PackageName] = true
	}
	for _, j := range pending {
		var external []string
		for _, dep := range j.Dependencies {
			if !completed[dep] && !queued[dep] {
				external = append(external, dep)
			}
		}
		if len(external) > 0 {
			sort.Strings(external)
			report.UnsatisfiedDependencies = append(report.UnsatisfiedDependencies, DependencyIssue{
				JobID:               j.ID,
				Package:             j.PackageName,
				MissingExternalDeps: external,
			})
		}
	}
	return report, nil
}

// WorkerStatus exposes the stored worker liveness record.
func (m *Manager) WorkerStatus() (*model.WorkerStatus, error) {
	return m.store.WorkerStatus()
}
