package daemon

import (
	"encoding/json"

	"github.com/hpcops/spackq/internal/model"
	"github.com/hpcops/spackq/internal/queue"
	"github.com/hpcops/spackq/internal/rpc"
)

func (d *Daemon) registerHandlers() {
	d.srv.Handle(rpc.ActionSubmitJob, d.handleSubmitJob)
	d.srv.Handle(rpc.ActionGetStatus, d.handleGetStatus)
	d.srv.Handle(rpc.ActionGetJobs, d.handleGetJobs)
	d.srv.Handle(rpc.ActionCancelJob, d.handleCancelJob)
	d.srv.Handle(rpc.ActionGetJobLogs, d.handleGetJobLogs)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (d *Daemon) handleSubmitJob(params json.RawMessage) *rpc.Response {
	var p rpc.SubmitJobParams
	if err := decodeParams(params, &p); err != nil {
		return rpc.Fail("invalid params: %v", err)
	}
	job, err := d.mgr.Submit(queue.SubmitRequest{
		PackageName:   p.PackageName,
		Priority:      model.Priority(p.Priority),
		Dependencies:  p.Dependencies,
		EstimatedTime: p.EstimatedTime,
		SpackCommand:  p.SpackCommand,
	})
	if err != nil {
		return rpc.Fail("%v", err)
	}
	d.log.Infof("job %d submitted: %s (%s) by %s", job.ID, job.PackageName, job.Priority, job.SubmittedBy)
	d.wk.Wake()
	return rpc.OK(job)
}

func (d *Daemon) handleGetStatus(json.RawMessage) *rpc.Response {
	st, err := d.mgr.QueueStatus()
	if err != nil {
		return rpc.Fail("%v", err)
	}
	return rpc.OK(st)
}

func (d *Daemon) handleGetJobs(params json.RawMessage) *rpc.Response {
	var p rpc.GetJobsParams
	if err := decodeParams(params, &p); err != nil {
		return rpc.Fail("invalid params: %v", err)
	}
	status := model.Status(p.Status)
	if status != "" && !status.Valid() {
		return rpc.Fail("unknown status %q", p.Status)
	}
	jobs, err := d.mgr.Jobs(status)
	if err != nil {
		return rpc.Fail("%v", err)
	}
	return rpc.OK(rpc.JobsData{Jobs: jobs})
}

func (d *Daemon) handleCancelJob(params json.RawMessage) *rpc.Response {
	var p rpc.JobIDParams
	if err := decodeParams(params, &p); err != nil {
		return rpc.Fail("invalid params: %v", err)
	}
	if err := d.mgr.Cancel(p.JobID); err != nil {
		return rpc.Fail("%v", err)
	}
	d.log.Infof("job %d cancelled", p.JobID)
	return rpc.OK(rpc.CancelData{Cancelled: true})
}

func (d *Daemon) handleGetJobLogs(params json.RawMessage) *rpc.Response {
	var p rpc.JobIDParams
	if err := decodeParams(params, &p); err != nil {
		return rpc.Fail("invalid params: %v", err)
	}
	logs, err := d.mgr.JobLogs(p.JobID)
	if err != nil {
		return rpc.Fail("%v", err)
	}
	return rpc.OK(rpc.LogsData{Logs: logs})
}
