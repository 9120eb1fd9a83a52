// Package model defines the data structures for spackq's jobs, logs, worker
// liveness record, and configuration.
package model

import "time"

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

var priorityWeights = map[Priority]float64{
	PriorityHigh:   3.0,
	PriorityMedium: 2.0,
	PriorityLow:    1.0,
}

// Weight returns the scheduling weight for a priority. Unknown values weigh
// the same as medium.
func (p Priority) Weight() float64 {
	if w, ok := priorityWeights[p]; ok {
		return w
	}
	return priorityWeights[PriorityMedium]
}

func (p Priority) Valid() bool {
	_, ok := priorityWeights[p]
	return ok
}

// Job is one requested package installation.
type Job struct {
	ID            int64      `json:"id"`
	PackageName   string     `json:"package_name"`
	Priority      Priority   `json:"priority"`
	Status        Status     `json:"status"`
	Dependencies  []string   `json:"dependencies"`
	EstimatedTime float64    `json:"estimated_time"`
	ActualTime    *float64   `json:"actual_time"`
	SubmittedBy   string     `json:"submitted_by"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	SpackCommand  string     `json:"spack_command,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`

	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	LastRetryAt   *time.Time `json:"last_retry_at"`
	RetryDelay    float64    `json:"retry_delay"`
	IsRetry       bool       `json:"is_retry"`
	OriginalJobID *int64     `json:"original_job_id"`
}

// Clone returns a deep copy so callers can never mutate store-owned state.
func (j *Job) Clone() *Job {
	c := *j
	if j.Dependencies != nil {
		c.Dependencies = append([]string(nil), j.Dependencies...)
	}
	c.ActualTime = cloneFloat(j.ActualTime)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.LastRetryAt = cloneTime(j.LastRetryAt)
	c.OriginalJobID = cloneInt64(j.OriginalJobID)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

func cloneInt64(i *int64) *int64 {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}
