package rpc

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hpcops/spackq/internal/model"
	"github.com/hpcops/spackq/internal/queue"
)

// DefaultClientEstimate is assumed for submissions without an estimate, in
// seconds. Installations are long by default; the server clamps further.
const DefaultClientEstimate = 7200.0

// ServerError carries an error the daemon returned in a well-formed
// response.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// Client talks to the daemon, one connection per request.
type Client struct {
	network string
	addr    string
	timeout time.Duration
}

func NewClient(cfg model.ServerConfig) *Client {
	network, addr := "tcp", net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	if cfg.UseUnixSocket {
		network, addr = "unix", cfg.SocketPath
	}
	timeout := model.Seconds(cfg.TimeoutSec)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{network: network, addr: addr, timeout: timeout}
}

// Do sends one request and returns the data payload of a successful
// response. Server-reported failures come back as a ServerError.
func (c *Client) Do(action string, params any) (json.RawMessage, error) {
	req := Request{Action: action}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		req.Params = raw
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	conn, err := net.DialTimeout(c.network, c.addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s. Is the daemon running? (%w)", c.addr, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	// Half-close so the server sees EOF and knows the request is complete.
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return nil, fmt.Errorf("close write side: %w", err)
		}
	}

	raw, err := io.ReadAll(io.LimitReader(conn, maxMessageBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "unknown error"
		}
		return nil, &ServerError{Message: msg}
	}
	return resp.Data, nil
}

// Ping reports whether the daemon accepts connections.
func (c *Client) Ping() error {
	conn, err := net.DialTimeout(c.network, c.addr, c.timeout)
	if err != nil {
		return fmt.Errorf("cannot connect to %s: %w", c.addr, err)
	}
	return conn.Close()
}

// SubmitJob submits a package installation. A zero estimate defaults to
// DefaultClientEstimate.
func (c *Client) SubmitJob(p SubmitJobParams) (*model.Job, error) {
	if p.EstimatedTime == 0 {
		p.EstimatedTime = DefaultClientEstimate
	}
	data, err := c.Do(ActionSubmitJob, p)
	if err != nil {
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

func (c *Client) Status() (*queue.Status, error) {
	data, err := c.Do(ActionGetStatus, nil)
	if err != nil {
		return nil, err
	}
	var st queue.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

func (c *Client) Jobs(status string) ([]*model.Job, error) {
	var params any
	if status != "" {
		params = GetJobsParams{Status: status}
	}
	data, err := c.Do(ActionGetJobs, params)
	if err != nil {
		return nil, err
	}
	var out JobsData
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode jobs: %w", err)
	}
	return out.Jobs, nil
}

func (c *Client) Cancel(jobID int64) (bool, error) {
	data, err := c.Do(ActionCancelJob, JobIDParams{JobID: jobID})
	if err != nil {
		return false, err
	}
	var out CancelData
	if err := json.Unmarshal(data, &out); err != nil {
		return false, fmt.Errorf("decode cancel result: %w", err)
	}
	return out.Cancelled, nil
}

func (c *Client) JobLogs(jobID int64) ([]*model.LogEntry, error) {
	data, err := c.Do(ActionGetJobLogs, JobIDParams{JobID: jobID})
	if err != nil {
		return nil, err
	}
	var out LogsData
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode logs: %w", err)
	}
	return out.Logs, nil
}
