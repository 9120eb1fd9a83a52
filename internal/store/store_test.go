package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcops/spackq/internal/model"
	"github.com/hpcops/spackq/internal/store"
)

var testOpts = store.Options{MaxRetries: 3, RetryBaseDelay: 60, RetryBackoff: 2}

type opener func(t *testing.T) store.Store

// runStoreSuite exercises the Store contract against one backend. Both the
// JSON file backend and the sqlite backend must pass every case.
func runStoreSuite(t *testing.T, open opener) {
	t.Run("CreateJob", func(t *testing.T) { testCreateJob(t, open(t)) })
	t.Run("DuplicatePackage", func(t *testing.T) { testDuplicatePackage(t, open(t)) })
	t.Run("JobNotFound", func(t *testing.T) { testJobNotFound(t, open(t)) })
	t.Run("JobsNewestFirst", func(t *testing.T) { testJobsNewestFirst(t, open(t)) })
	t.Run("JobsStatusFilter", func(t *testing.T) { testJobsStatusFilter(t, open(t)) })
	t.Run("UpdateJobStatus", func(t *testing.T) { testUpdateJobStatus(t, open(t)) })
	t.Run("IllegalTransition", func(t *testing.T) { testIllegalTransition(t, open(t)) })
	t.Run("StatusChangeLogs", func(t *testing.T) { testStatusChangeLogs(t, open(t)) })
	t.Run("AppendLog", func(t *testing.T) { testAppendLog(t, open(t)) })
	t.Run("StatusCounts", func(t *testing.T) { testStatusCounts(t, open(t)) })
	t.Run("CompletedPackageNames", func(t *testing.T) { testCompletedPackageNames(t, open(t)) })
	t.Run("Cleanup", func(t *testing.T) { testCleanup(t, open(t)) })
	t.Run("RetryChain", func(t *testing.T) { testRetryChain(t, open(t)) })
	t.Run("RetryNotEligible", func(t *testing.T) { testRetryNotEligible(t, open(t)) })
	t.Run("RetryEligibleJobs", func(t *testing.T) { testRetryEligibleJobs(t, open(t)) })
	t.Run("WorkerStatus", func(t *testing.T) { testWorkerStatus(t, open(t)) })
}

func createJob(t *testing.T, st store.Store, pkg string, deps ...string) *model.Job {
	t.Helper()
	job, err := st.CreateJob(store.CreateJobRequest{
		PackageName:   pkg,
		Priority:      model.PriorityMedium,
		Dependencies:  deps,
		EstimatedTime: 600,
		SubmittedBy:   "alice",
	})
	require.NoError(t, err)
	return job
}

func startJob(t *testing.T, st store.Store, id int64) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, st.UpdateJobStatus(id, model.StatusRunning, store.StatusUpdate{StartedAt: &now}))
}

func failJob(t *testing.T, st store.Store, id int64, msg string) {
	t.Helper()
	startJob(t, st, id)
	now := time.Now().UTC()
	require.NoError(t, st.UpdateJobStatus(id, model.StatusFailed, store.StatusUpdate{CompletedAt: &now, ErrorMessage: &msg}))
}

func completeJob(t *testing.T, st store.Store, id int64) {
	t.Helper()
	startJob(t, st, id)
	now := time.Now().UTC()
	actual := 12.5
	require.NoError(t, st.UpdateJobStatus(id, model.StatusCompleted, store.StatusUpdate{CompletedAt: &now, ActualTime: &actual}))
}

func testCreateJob(t *testing.T, st store.Store) {
	before := time.Now().UTC().Add(-time.Second)

	job, err := st.CreateJob(store.CreateJobRequest{
		PackageName:   "hdf5",
		Priority:      model.PriorityHigh,
		Dependencies:  []string{"zlib", "cmake"},
		EstimatedTime: 1800,
		SubmittedBy:   "alice",
		SpackCommand:  "spack install hdf5+mpi",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), job.ID)
	assert.Equal(t, "hdf5", job.PackageName)
	assert.Equal(t, model.PriorityHigh, job.Priority)
	assert.Equal(t, model.StatusPending, job.Status)
	assert.Equal(t, []string{"zlib", "cmake"}, job.Dependencies)
	assert.Equal(t, 1800.0, job.EstimatedTime)
	assert.Equal(t, "alice", job.SubmittedBy)
	assert.Equal(t, "spack install hdf5+mpi", job.SpackCommand)
	assert.True(t, job.SubmittedAt.After(before), "SubmittedAt should be stamped at creation")
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, 60.0, job.RetryDelay)
	assert.Equal(t, 0, job.RetryCount)
	assert.False(t, job.IsRetry)
	assert.Nil(t, job.OriginalJobID)

	second := createJob(t, st, "zlib")
	assert.Equal(t, int64(2), second.ID, "ids are assigned sequentially")

	got, err := st.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.PackageName, got.PackageName)
	assert.Equal(t, job.Dependencies, got.Dependencies)
}

func testDuplicatePackage(t *testing.T, st store.Store) {
	first := createJob(t, st, "zlib")

	_, err := st.CreateJob(store.CreateJobRequest{PackageName: "zlib", Priority: model.PriorityLow})
	require.Error(t, err)
	var dup *store.DuplicatePackageError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "zlib", dup.PackageName)
	assert.Equal(t, first.ID, dup.ExistingID)
	assert.Equal(t, "Package 'zlib' is already queued or being installed (Job ID: 1)", err.Error())

	// Still blocked while running.
	startJob(t, st, first.ID)
	_, err = st.CreateJob(store.CreateJobRequest{PackageName: "zlib", Priority: model.PriorityLow})
	assert.ErrorAs(t, err, &dup)

	// A terminal job frees the package name.
	now := time.Now().UTC()
	require.NoError(t, st.UpdateJobStatus(first.ID, model.StatusCompleted, store.StatusUpdate{CompletedAt: &now}))
	again, err := st.CreateJob(store.CreateJobRequest{PackageName: "zlib", Priority: model.PriorityLow})
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.ID)
}

func testJobNotFound(t *testing.T, st store.Store) {
	_, err := st.Job(42)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = st.UpdateJobStatus(42, model.StatusRunning, store.StatusUpdate{})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = st.CreateRetryJob(42)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testJobsNewestFirst(t *testing.T, st store.Store) {
	createJob(t, st, "zlib")
	time.Sleep(5 * time.Millisecond)
	createJob(t, st, "hdf5")
	time.Sleep(5 * time.Millisecond)
	createJob(t, st, "netcdf")

	jobs, err := st.Jobs("")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "netcdf", jobs[0].PackageName)
	assert.Equal(t, "hdf5", jobs[1].PackageName)
	assert.Equal(t, "zlib", jobs[2].PackageName)
}

func testJobsStatusFilter(t *testing.T, st store.Store) {
	a := createJob(t, st, "zlib")
	createJob(t, st, "hdf5")
	completeJob(t, st, a.ID)

	pending, err := st.Jobs(model.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "hdf5", pending[0].PackageName)

	completed, err := st.Jobs(model.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "zlib", completed[0].PackageName)

	failed, err := st.Jobs(model.StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func testUpdateJobStatus(t *testing.T, st store.Store) {
	job := createJob(t, st, "zlib")

	started := time.Now().UTC()
	require.NoError(t, st.UpdateJobStatus(job.ID, model.StatusRunning, store.StatusUpdate{StartedAt: &started}))

	got, err := st.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, started, *got.StartedAt, time.Second)
	assert.Nil(t, got.CompletedAt)

	completed := time.Now().UTC()
	actual := 42.5
	require.NoError(t, st.UpdateJobStatus(job.ID, model.StatusCompleted, store.StatusUpdate{CompletedAt: &completed, ActualTime: &actual}))

	got, err = st.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.ActualTime)
	assert.Equal(t, 42.5, *got.ActualTime)
}

func testIllegalTransition(t *testing.T, st store.Store) {
	job := createJob(t, st, "zlib")

	err := st.UpdateJobStatus(job.ID, model.StatusCompleted, store.StatusUpdate{})
	assert.Error(t, err, "pending cannot jump to completed")

	startJob(t, st, job.ID)
	err = st.UpdateJobStatus(job.ID, model.StatusCancelled, store.StatusUpdate{})
	assert.Error(t, err, "running cannot be cancelled")

	now := time.Now().UTC()
	require.NoError(t, st.UpdateJobStatus(job.ID, model.StatusCompleted, store.StatusUpdate{CompletedAt: &now}))
	err = st.UpdateJobStatus(job.ID, model.StatusRunning, store.StatusUpdate{})
	assert.Error(t, err, "terminal jobs never transition again")

	// The failed update must not have touched the job.
	got, err := st.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
}

func testStatusChangeLogs(t *testing.T, st store.Store) {
	job := createJob(t, st, "zlib")
	failJob(t, st, job.ID, "compiler exploded")

	logs, err := st.JobLogs(job.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)

	assert.Equal(t, "Job submitted for package 'zlib'", logs[0].Message)
	assert.Equal(t, model.LogLevelInfo, logs[0].Level)

	assert.Equal(t, "Job status changed to running", logs[1].Message)
	assert.Equal(t, model.LogLevelInfo, logs[1].Level)

	assert.Equal(t, "Job status changed to failed: compiler exploded", logs[2].Message)
	assert.Equal(t, model.LogLevelError, logs[2].Level)

	for _, e := range logs {
		assert.Equal(t, job.ID, e.JobID)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func testAppendLog(t *testing.T, st store.Store) {
	job := createJob(t, st, "zlib")

	require.NoError(t, st.AppendLog(job.ID, model.LogLevelInfo, "first"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, st.AppendLog(job.ID, model.LogLevelWarning, "second"))

	logs, err := st.JobLogs(job.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "first", logs[1].Message)
	assert.Equal(t, "second", logs[2].Message)
	assert.Equal(t, model.LogLevelWarning, logs[2].Level)
	assert.NotEqual(t, logs[1].ID, logs[2].ID)

	other, err := st.JobLogs(999)
	require.NoError(t, err)
	assert.Empty(t, other, "logs are scoped to their job")
}

func testStatusCounts(t *testing.T, st store.Store) {
	counts, err := st.StatusCounts()
	require.NoError(t, err)
	for _, s := range model.AllStatuses() {
		n, ok := counts[s]
		assert.True(t, ok, "count for %s should be present", s)
		assert.Equal(t, 0, n)
	}

	createJob(t, st, "zlib")
	createJob(t, st, "hdf5")
	b := createJob(t, st, "netcdf")
	completeJob(t, st, b.ID)

	counts, err = st.StatusCounts()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.StatusPending])
	assert.Equal(t, 1, counts[model.StatusCompleted])
	assert.Equal(t, 0, counts[model.StatusFailed])
}

func testCompletedPackageNames(t *testing.T, st store.Store) {
	a := createJob(t, st, "zlib")
	createJob(t, st, "hdf5")
	completeJob(t, st, a.ID)

	names, err := st.CompletedPackageNames()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"zlib": true}, names)
}

func testCleanup(t *testing.T, st store.Store) {
	old := createJob(t, st, "oldpkg")
	startJob(t, st, old.ID)
	ancient := time.Now().UTC().AddDate(0, 0, -10)
	require.NoError(t, st.UpdateJobStatus(old.ID, model.StatusCompleted, store.StatusUpdate{CompletedAt: &ancient}))

	recent := createJob(t, st, "newpkg")
	completeJob(t, st, recent.ID)
	pending := createJob(t, st, "queuedpkg")

	removed, err := st.CleanupOlderThan(7)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = st.Job(old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	logs, err := st.JobLogs(old.ID)
	require.NoError(t, err)
	assert.Empty(t, logs, "logs of removed jobs are pruned")

	_, err = st.Job(recent.ID)
	assert.NoError(t, err)
	_, err = st.Job(pending.ID)
	assert.NoError(t, err)

	// Log ids keep moving forward after pruning.
	require.NoError(t, st.AppendLog(pending.ID, model.LogLevelInfo, "after cleanup"))
	remaining, err := st.JobLogs(recent.ID)
	require.NoError(t, err)
	added, err := st.JobLogs(pending.ID)
	require.NoError(t, err)
	require.Len(t, added, 2)
	newest := added[len(added)-1]
	assert.Equal(t, "after cleanup", newest.Message)
	for _, e := range remaining {
		assert.NotEqual(t, e.ID, newest.ID, "new log ids must not collide with surviving entries")
	}
}

func testRetryChain(t *testing.T, st store.Store) {
	orig := createJob(t, st, "zlib", "cmake")
	failJob(t, st, orig.ID, "first failure")

	// First retry.
	r1, err := st.CreateRetryJob(orig.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, r1.Status)
	assert.Equal(t, "zlib", r1.PackageName)
	assert.Equal(t, []string{"cmake"}, r1.Dependencies)
	assert.Equal(t, 1, r1.RetryCount)
	assert.Equal(t, 3, r1.MaxRetries)
	assert.Equal(t, 60.0, r1.RetryDelay)
	assert.True(t, r1.IsRetry)
	require.NotNil(t, r1.OriginalJobID)
	assert.Equal(t, orig.ID, *r1.OriginalJobID)
	require.NotNil(t, r1.LastRetryAt)
	assert.Empty(t, r1.ErrorMessage)

	updated, err := st.Job(orig.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RetryCount, "original job records the attempt")
	require.NotNil(t, updated.LastRetryAt)

	r1Logs, err := st.JobLogs(r1.ID)
	require.NoError(t, err)
	require.NotEmpty(t, r1Logs)
	assert.Equal(t, "Retry job created (attempt 1/3) for original job 1", r1Logs[0].Message)

	origLogs, err := st.JobLogs(orig.ID)
	require.NoError(t, err)
	require.NotEmpty(t, origLogs)
	assert.Equal(t, "Retry attempt 1 created as job 2, next retry delay: 60.0s", origLogs[len(origLogs)-1].Message)

	// Second retry, from the first retry job. The chain keeps pointing at
	// the root job and the delay backs off.
	failJob(t, st, r1.ID, "second failure")
	r2, err := st.CreateRetryJob(r1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, r2.RetryCount)
	assert.Equal(t, 120.0, r2.RetryDelay)
	require.NotNil(t, r2.OriginalJobID)
	assert.Equal(t, orig.ID, *r2.OriginalJobID)

	// Third retry exhausts the budget.
	failJob(t, st, r2.ID, "third failure")
	r3, err := st.CreateRetryJob(r2.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, r3.RetryCount)
	assert.Equal(t, 480.0, r3.RetryDelay)
	assert.Equal(t, orig.ID, *r3.OriginalJobID)

	failJob(t, st, r3.ID, "fourth failure")
	_, err = st.CreateRetryJob(r3.ID)
	assert.ErrorIs(t, err, store.ErrRetryNotEligible)
}

func testRetryNotEligible(t *testing.T, st store.Store) {
	job := createJob(t, st, "zlib")

	_, err := st.CreateRetryJob(job.ID)
	assert.ErrorIs(t, err, store.ErrRetryNotEligible, "pending jobs cannot be retried")

	completed := createJob(t, st, "hdf5")
	completeJob(t, st, completed.ID)
	_, err = st.CreateRetryJob(completed.ID)
	assert.ErrorIs(t, err, store.ErrRetryNotEligible, "completed jobs cannot be retried")
}

func testRetryEligibleJobs(t *testing.T, st store.Store) {
	fresh := createJob(t, st, "zlib")
	failJob(t, st, fresh.ID, "boom")

	eligible, err := st.RetryEligibleJobs()
	require.NoError(t, err)
	require.Len(t, eligible, 1, "a failed job that never retried is eligible immediately")
	assert.Equal(t, fresh.ID, eligible[0].ID)

	// Creating the retry stamps last_retry_at, so the original drops out
	// until its delay elapses. The new attempt is pending, not eligible.
	_, err = st.CreateRetryJob(fresh.ID)
	require.NoError(t, err)

	eligible, err = st.RetryEligibleJobs()
	require.NoError(t, err)
	assert.Empty(t, eligible)
}

func testWorkerStatus(t *testing.T, st store.Store) {
	ws, err := st.WorkerStatus()
	require.NoError(t, err)
	assert.Nil(t, ws, "no record before the first worker registers")

	started := time.Now().UTC()
	pid := 4242
	require.NoError(t, st.SetWorkerStatus(true, nil, &started, &pid))

	ws, err = st.WorkerStatus()
	require.NoError(t, err)
	require.NotNil(t, ws)
	assert.True(t, ws.IsActive)
	assert.Nil(t, ws.CurrentJobID)
	require.NotNil(t, ws.StartedAt)
	require.NotNil(t, ws.ProcessID)
	assert.Equal(t, 4242, *ws.ProcessID)
	require.NotNil(t, ws.LastHeartbeat)
	firstBeat := *ws.LastHeartbeat

	// Picking up a job records it; a heartbeat keeps start time and pid.
	jobID := int64(7)
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, st.SetWorkerStatus(true, &jobID, nil, nil))

	ws, err = st.WorkerStatus()
	require.NoError(t, err)
	require.NotNil(t, ws.CurrentJobID)
	assert.Equal(t, int64(7), *ws.CurrentJobID)
	require.NotNil(t, ws.StartedAt)
	require.NotNil(t, ws.ProcessID)
	assert.True(t, ws.LastHeartbeat.After(firstBeat), "heartbeat must refresh")

	// Deactivation clears everything but the heartbeat.
	require.NoError(t, st.SetWorkerStatus(false, nil, nil, nil))

	ws, err = st.WorkerStatus()
	require.NoError(t, err)
	assert.False(t, ws.IsActive)
	assert.Nil(t, ws.CurrentJobID)
	assert.Nil(t, ws.StartedAt)
	assert.Nil(t, ws.ProcessID)
	assert.NotNil(t, ws.LastHeartbeat)
}
