// Package rpc implements the wire protocol between spackq clients and the
// daemon: one JSON request per connection, the client half-closes its write
// side, and the server answers with one JSON response before closing.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/hpcops/spackq/internal/model"
)

// Actions understood by the daemon.
const (
	ActionSubmitJob  = "submit_job"
	ActionGetStatus  = "get_status"
	ActionGetJobs    = "get_jobs"
	ActionCancelJob  = "cancel_job"
	ActionGetJobLogs = "get_job_logs"
)

// maxMessageBytes bounds a single request or response.
const maxMessageBytes = 1 << 20

// Request is the single message a client sends per connection.
type Request struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the single message the server sends back.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type SubmitJobParams struct {
	PackageName   string   `json:"package_name"`
	Priority      string   `json:"priority,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	EstimatedTime float64  `json:"estimated_time,omitempty"`
	SpackCommand  string   `json:"spack_command,omitempty"`
}

type GetJobsParams struct {
	Status string `json:"status,omitempty"`
}

type JobIDParams struct {
	JobID int64 `json:"job_id"`
}

type JobsData struct {
	Jobs []*model.Job `json:"jobs"`
}

type LogsData struct {
	Logs []*model.LogEntry `json:"logs"`
}

type CancelData struct {
	Cancelled bool `json:"cancelled"`
}

// OK wraps v as a successful response.
func OK(v any) *Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Fail("encode response: %v", err)
	}
	return &Response{Success: true, Data: data}
}

// Fail builds an error response.
func Fail(format string, args ...any) *Response {
	return &Response{Success: false, Error: fmt.Sprintf(format, args...)}
}
