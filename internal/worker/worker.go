// Package worker executes queued installation jobs one at a time. It polls
// the scheduler for the next runnable job, streams the install output into
// the job log, enforces timeouts, and keeps a heartbeat in the store so a
// second worker refuses to start while this one lives.
package worker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hpcops/spackq/internal/logging"
	"github.com/hpcops/spackq/internal/model"
	"github.com/hpcops/spackq/internal/queue"
	"github.com/hpcops/spackq/internal/store"
)

// specCommandEstimate bounds the pre-install spec step, in seconds.
const specCommandEstimate = 60.0

type Worker struct {
	mgr   *queue.Manager
	store store.Store
	exec  Executor
	build CommandBuilder
	log   *logging.Logger

	checkInterval      time.Duration
	heartbeatInterval  time.Duration
	maxHeartbeatAge    time.Duration
	timeoutMultiplier  float64
	autoRetry          bool
	retryCheckInterval time.Duration

	wake chan struct{}

	mu           sync.Mutex
	currentJobID *int64
}

func New(mgr *queue.Manager, st store.Store, cfg model.Config, exec Executor, log *logging.Logger) *Worker {
	if exec == nil {
		exec = &ShellExecutor{}
	}
	return &Worker{
		mgr:                mgr,
		store:              st,
		exec:               exec,
		build:              CommandBuilder{SetupScript: cfg.Spack.SetupScript},
		log:                log,
		checkInterval:      model.Seconds(cfg.Worker.CheckIntervalSec),
		heartbeatInterval:  model.Seconds(cfg.Worker.HeartbeatIntervalSec),
		maxHeartbeatAge:    model.Seconds(cfg.Worker.MaxHeartbeatAgeSec),
		timeoutMultiplier:  cfg.Worker.TimeoutMultiplier,
		autoRetry:          cfg.Retry.Auto,
		retryCheckInterval: model.Seconds(cfg.Retry.CheckIntervalSec),
		wake:               make(chan struct{}, 1),
	}
}

// Wake nudges the poll loop to check the queue now instead of at the next
// tick. Safe to call from any goroutine; extra wakes coalesce.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drives the worker until ctx is cancelled. It refuses to start while
// another worker holds a fresh heartbeat.
func (w *Worker) Run(ctx context.Context) error {
	ws, err := w.store.WorkerStatus()
	if err != nil {
		return err
	}
	if ws.Alive(time.Now().UTC(), w.maxHeartbeatAge) {
		pid := 0
		if ws.ProcessID != nil {
			pid = *ws.ProcessID
		}
		return fmt.Errorf("another worker is already active (pid %d)", pid)
	}

	now := time.Now().UTC()
	pid := os.Getpid()
	if err := w.store.SetWorkerStatus(true, nil, &now, &pid); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	// The heartbeat stops before deactivation so a late beat can never
	// resurrect a worker that already deregistered.
	hbCtx, hbCancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeatLoop(hbCtx)
	}()
	defer func() {
		hbCancel()
		<-hbDone
		if err := w.store.SetWorkerStatus(false, nil, nil, nil); err != nil {
			w.log.Errorf("deregister worker: %v", err)
		}
	}()

	w.reconcileOrphans()

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	w.log.Infof("worker running, checking for jobs every %s", w.checkInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		job, err := w.mgr.NextJobToRun()
		if err != nil {
			w.log.Errorf("queue check failed: %v", err)
		} else if job != nil {
			w.executeJob(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// reconcileOrphans fails jobs a previous worker left in running state, so
// they become visible as failed and retryable instead of blocking their
// package forever.
func (w *Worker) reconcileOrphans() {
	running, err := w.mgr.Jobs(model.StatusRunning)
	if err != nil {
		w.log.Errorf("reconcile running jobs: %v", err)
		return
	}
	for _, j := range running {
		w.log.Warnf("job %d (%s) was left running by a previous worker, marking failed", j.ID, j.PackageName)
		if err := w.mgr.MarkCompleted(j.ID, false, "Job was interrupted by worker restart"); err != nil {
			w.log.Errorf("mark orphaned job %d failed: %v", j.ID, err)
		}
	}
}

// heartbeatLoop refreshes the worker's liveness record until ctx is
// cancelled.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.SetWorkerStatus(true, w.currentJob(), nil, nil); err != nil {
				w.log.Errorf("heartbeat update failed: %v", err)
			}
		}
	}
}

// RetryLoop periodically turns eligible failed jobs into fresh pending
// attempts. It exits immediately when automatic retry is disabled.
func (w *Worker) RetryLoop(ctx context.Context) error {
	if !w.autoRetry {
		return nil
	}
	ticker := time.NewTicker(w.retryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.retryEligible()
		}
	}
}

func (w *Worker) retryEligible() {
	jobs, err := w.mgr.RetryEligibleJobs()
	if err != nil {
		w.log.Errorf("retry check failed: %v", err)
		return
	}
	created := 0
	for _, j := range jobs {
		retry, err := w.mgr.CreateRetryJob(j.ID)
		if err != nil {
			w.log.Errorf("create retry for job %d: %v", j.ID, err)
			continue
		}
		w.log.Infof("created retry job %d (attempt %d/%d) for failed job %d",
			retry.ID, retry.RetryCount, retry.MaxRetries, j.ID)
		created++
	}
	if created > 0 {
		w.Wake()
	}
}

func (w *Worker) currentJob() *int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentJobID == nil {
		return nil
	}
	id := *w.currentJobID
	return &id
}

func (w *Worker) setCurrentJob(id int64) {
	w.mu.Lock()
	w.currentJobID = &id
	w.mu.Unlock()
	if err := w.store.SetWorkerStatus(true, &id, nil, nil); err != nil {
		w.log.Errorf("record current job: %v", err)
	}
}

func (w *Worker) clearCurrentJob() {
	w.mu.Lock()
	w.currentJobID = nil
	w.mu.Unlock()
	if err := w.store.SetWorkerStatus(true, nil, nil, nil); err != nil {
		w.log.Errorf("clear current job: %v", err)
	}
}

func (w *Worker) logJob(jobID int64, level model.LogLevel, message string) {
	if err := w.store.AppendLog(jobID, level, message); err != nil {
		w.log.Errorf("append log for job %d: %v", jobID, err)
	}
}

func (w *Worker) executeJob(ctx context.Context, job *model.Job) {
	user := job.SubmittedBy
	if user == "" {
		user = "unknown"
	}
	w.log.Infof("starting installation of %s (job %d) for user %s", job.PackageName, job.ID, user)

	if err := w.mgr.MarkRunning(job.ID); err != nil {
		// Lost a race, usually against a cancellation.
		w.log.Warnf("job %d no longer runnable: %v", job.ID, err)
		return
	}
	w.setCurrentJob(job.ID)
	defer w.clearCurrentJob()

	w.logJob(job.ID, model.LogLevelInfo, "Starting installation for user: "+user)

	w.runSpec(ctx, job)

	success, errMsg := w.runInstall(ctx, job)

	if err := w.mgr.MarkCompleted(job.ID, success, errMsg); err != nil {
		w.log.Errorf("finish job %d: %v", job.ID, err)
	}
	if success {
		w.log.Infof("installed %s for user %s", job.PackageName, user)
		w.logJob(job.ID, model.LogLevelInfo, "Installation completed successfully for user: "+user)
	} else {
		w.log.Errorf("installation of %s for user %s failed: %s", job.PackageName, user, errMsg)
		w.logJob(job.ID, model.LogLevelError, fmt.Sprintf("Installation failed for user %s: %s", user, errMsg))
	}
}

// runSpec inspects the package before installing. Failures only warn; the
// installation proceeds regardless.
func (w *Worker) runSpec(ctx context.Context, job *model.Job) {
	if !w.build.SetupScriptExists() {
		w.logJob(job.ID, model.LogLevelWarning,
			fmt.Sprintf("Spack setup script not found, skipping spec command: %s", w.build.SetupScript))
		return
	}
	specCmd := w.build.SpecCommand(job.PackageName)
	w.logJob(job.ID, model.LogLevelInfo, "Getting package specification: "+specCmd)
	w.log.Debugf("running spec for %s", job.PackageName)

	ok, errMsg := w.runStreaming(ctx, job.ID, w.build.WithSetup(specCmd), specCommandEstimate)
	if ok {
		w.logJob(job.ID, model.LogLevelInfo, "Package specification retrieved successfully")
	} else {
		w.logJob(job.ID, model.LogLevelWarning,
			fmt.Sprintf("Spec command failed: %s, but continuing with installation", errMsg))
	}
}

func (w *Worker) runInstall(ctx context.Context, job *model.Job) (bool, string) {
	command, err := w.build.InstallCommand(job)
	if err != nil {
		w.logJob(job.ID, model.LogLevelError, err.Error())
		return false, err.Error()
	}
	w.logJob(job.ID, model.LogLevelInfo, "Executing command: "+command)
	w.log.Infof("executing: %s", command)
	return w.runStreaming(ctx, job.ID, command, job.EstimatedTime)
}

// runStreaming runs one command with its output streamed into the job log.
// The deadline is the job's estimate scaled by the timeout multiplier.
func (w *Worker) runStreaming(ctx context.Context, jobID int64, command string, estimated float64) (bool, string) {
	timeoutSecs := estimated * w.timeoutMultiplier
	res, err := w.exec.Run(ctx, command, model.Seconds(timeoutSecs), func(line string) {
		w.logJob(jobID, model.LogLevelInfo, "INSTALL: "+line)
		w.log.Debugf("[job %d] %s", jobID, line)
	})
	if err != nil {
		msg := fmt.Sprintf("Process execution error: %v", err)
		w.logJob(jobID, model.LogLevelError, msg)
		return false, msg
	}
	if res.TimedOut {
		msg := fmt.Sprintf("Installation timed out after %.1f seconds", timeoutSecs)
		w.logJob(jobID, model.LogLevelError, msg)
		return false, msg
	}
	if res.ExitCode != 0 && ctx.Err() != nil {
		msg := "Installation interrupted by worker shutdown"
		w.logJob(jobID, model.LogLevelError, msg)
		return false, msg
	}
	w.logJob(jobID, model.LogLevelInfo, fmt.Sprintf("Command completed with exit code: %d", res.ExitCode))
	if res.ExitCode == 0 {
		w.logJob(jobID, model.LogLevelInfo, "Installation completed successfully")
		return true, ""
	}
	w.logJob(jobID, model.LogLevelError, fmt.Sprintf("Command failed with exit code %d", res.ExitCode))

	summary := fmt.Sprintf("Exit code %d", res.ExitCode)
	if line := lastErrorLine(res.Lines); line != "" {
		summary += ": " + truncate(line, 100)
	}
	return false, summary
}

// lastErrorLine scans the last few output lines, newest first, for one that
// looks like an error.
func lastErrorLine(lines []string) string {
	start := len(lines) - 5
	if start < 0 {
		start = 0
	}
	for i := len(lines) - 1; i >= start; i-- {
		lower := strings.ToLower(lines[i])
		for _, kw := range []string{"error", "failed", "cannot", "unable"} {
			if strings.Contains(lower, kw) {
				return lines[i]
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
