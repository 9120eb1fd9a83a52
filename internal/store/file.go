package store

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hpcops/spackq/internal/jsonfile"
	"github.com/hpcops/spackq/internal/lock"
	"github.com/hpcops/spackq/internal/model"
)

// state is the complete persisted contents of the JSON state file.
type state struct {
	Jobs         []*model.Job        `json:"jobs"`
	Logs         []*model.LogEntry   `json:"logs"`
	WorkerStatus *model.WorkerStatus `json:"worker_status"`
	NextJobID    int64               `json:"next_job_id"`
}

// FileStore keeps the whole queue in one JSON state file. Every operation
// holds the in-process mutex plus an exclusive file lock, loads the file,
// applies its change in memory and atomically replaces the file, so processes
// sharing the file observe a serial history of operations.
type FileStore struct {
	path     string
	lockPath string
	opts     Options

	mu sync.Mutex
}

// NewFileStore opens the state file at path, creating the parent directory
// and an empty state file on first use.
func NewFileStore(path string, opts Options) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	fs := &FileStore{
		path:     path,
		lockPath: path + ".lock",
		opts:     opts.withDefaults(),
	}
	// Bootstrap the file so later loads distinguish "fresh install" from a
	// vanished or unreadable state file.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		err := fs.transact(func(*state) error { return nil })
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat state file: %w", err)
	}
	return fs, nil
}

// Path returns the state file location, for callers that watch it.
func (fs *FileStore) Path() string {
	return fs.path
}

func (fs *FileStore) load() (*state, error) {
	st := &state{NextJobID: 1}
	err := jsonfile.Load(fs.path, st)
	var corrupt *jsonfile.CorruptError
	if errors.As(err, &corrupt) {
		// A corrupt state file never stops the queue: set it aside, then fall
		// back to the last good backup or to empty state.
		if _, rerr := jsonfile.Recover(fs.path); rerr != nil {
			return nil, rerr
		}
		st = &state{NextJobID: 1}
		err = jsonfile.Load(fs.path, st)
	}
	if os.IsNotExist(err) {
		return &state{NextJobID: 1}, nil
	}
	if err != nil {
		return nil, err
	}
	if st.NextJobID < 1 {
		st.NextJobID = 1
	}
	return st, nil
}

// transact runs fn against the current state and writes the result back.
func (fs *FileStore) transact(fn func(st *state) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fl := lock.NewFileLock(fs.lockPath)
	if err := fl.Lock(); err != nil {
		return err
	}
	defer fl.Unlock()

	st, err := fs.load()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return jsonfile.AtomicWrite(fs.path, st)
}

// view runs fn against the current state without writing it back, so reads
// never retrigger watchers of the state file.
func (fs *FileStore) view(fn func(st *state) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fl := lock.NewFileLock(fs.lockPath)
	if err := fl.Lock(); err != nil {
		return err
	}
	defer fl.Unlock()

	st, err := fs.load()
	if err != nil {
		return err
	}
	return fn(st)
}

func (st *state) job(id int64) *model.Job {
	for _, j := range st.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// nextLogID returns one past the highest log id, so ids stay unique even
// after cleanup has removed earlier entries.
func (st *state) nextLogID() int64 {
	var max int64
	for _, e := range st.Logs {
		if e.ID > max {
			max = e.ID
		}
	}
	return max + 1
}

func (st *state) appendLog(jobID int64, level model.LogLevel, message string) {
	st.Logs = append(st.Logs, &model.LogEntry{
		ID:        st.nextLogID(),
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	})
}

func (fs *FileStore) CreateJob(req CreateJobRequest) (*model.Job, error) {
	var created *model.Job
	err := fs.transact(func(st *state) error {
		for _, j := range st.Jobs {
			if j.PackageName == req.PackageName && !model.IsTerminal(j.Status) {
				return &DuplicatePackageError{PackageName: req.PackageName, ExistingID: j.ID}
			}
		}
		job := &model.Job{
			ID:            st.NextJobID,
			PackageName:   req.PackageName,
			Priority:      req.Priority,
			Status:        model.StatusPending,
			Dependencies:  append([]string(nil), req.Dependencies...),
			EstimatedTime: req.EstimatedTime,
			SubmittedBy:   req.SubmittedBy,
			SubmittedAt:   time.Now().UTC(),
			SpackCommand:  req.SpackCommand,
			MaxRetries:    fs.opts.MaxRetries,
			RetryDelay:    fs.opts.RetryBaseDelay,
		}
		st.NextJobID++
		st.Jobs = append(st.Jobs, job)
		st.appendLog(job.ID, model.LogLevelInfo,
			fmt.Sprintf("Job submitted for package '%s'", req.PackageName))
		created = job.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (fs *FileStore) Job(id int64) (*model.Job, error) {
	var found *model.Job
	err := fs.view(func(st *state) error {
		j := st.job(id)
		if j == nil {
			return ErrNotFound
		}
		found = j.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (fs *FileStore) Jobs(status model.Status) ([]*model.Job, error) {
	var jobs []*model.Job
	err := fs.view(func(st *state) error {
		for _, j := range st.Jobs {
			if status != "" && j.Status != status {
				continue
			}
			jobs = append(jobs, j.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		return jobs[i].SubmittedAt.After(jobs[k].SubmittedAt)
	})
	return jobs, nil
}

func (fs *FileStore) UpdateJobStatus(id int64, status model.Status, upd StatusUpdate) error {
	return fs.transact(func(st *state) error {
		j := st.job(id)
		if j == nil {
			return ErrNotFound
		}
		if err := model.ValidateTransition(j.Status, status); err != nil {
			return err
		}
		j.Status = status
		if upd.StartedAt != nil {
			j.StartedAt = upd.StartedAt
		}
		if upd.CompletedAt != nil {
			j.CompletedAt = upd.CompletedAt
		}
		if upd.ActualTime != nil {
			j.ActualTime = upd.ActualTime
		}
		if upd.ErrorMessage != nil {
			j.ErrorMessage = *upd.ErrorMessage
		}

		msg := fmt.Sprintf("Job status changed to %s", status)
		if upd.ErrorMessage != nil && *upd.ErrorMessage != "" {
			msg += ": " + *upd.ErrorMessage
		}
		level := model.LogLevelInfo
		if status == model.StatusFailed {
			level = model.LogLevelError
		}
		st.appendLog(id, level, msg)
		return nil
	})
}

func (fs *FileStore) AppendLog(jobID int64, level model.LogLevel, message string) error {
	return fs.transact(func(st *state) error {
		st.appendLog(jobID, level, message)
		return nil
	})
}

func (fs *FileStore) JobLogs(jobID int64) ([]*model.LogEntry, error) {
	var logs []*model.LogEntry
	err := fs.view(func(st *state) error {
		for _, e := range st.Logs {
			if e.JobID == jobID {
				logs = append(logs, e.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(logs, func(i, k int) bool {
		return logs[i].Timestamp.Before(logs[k].Timestamp)
	})
	return logs, nil
}

func (fs *FileStore) StatusCounts() (map[model.Status]int, error) {
	counts := make(map[model.Status]int, len(model.AllStatuses()))
	for _, s := range model.AllStatuses() {
		counts[s] = 0
	}
	err := fs.view(func(st *state) error {
		for _, j := range st.Jobs {
			counts[j.Status]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (fs *FileStore) CompletedPackageNames() (map[string]bool, error) {
	completed := make(map[string]bool)
	err := fs.view(func(st *state) error {
		for _, j := range st.Jobs {
			if j.Status == model.StatusCompleted {
				completed[j.PackageName] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

func (fs *FileStore) CleanupOlderThan(keepDays int) (int, error) {
	removed := 0
	err := fs.transact(func(st *state) error {
		cutoff := time.Now().UTC().AddDate(0, 0, -keepDays)
		kept := st.Jobs[:0]
		keptIDs := make(map[int64]bool, len(st.Jobs))
		for _, j := range st.Jobs {
			if model.IsTerminal(j.Status) && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, j)
			keptIDs[j.ID] = true
		}
		st.Jobs = kept

		logs := st.Logs[:0]
		for _, e := range st.Logs {
			if keptIDs[e.JobID] {
				logs = append(logs, e)
			}
		}
		st.Logs = logs
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (fs *FileStore) CreateRetryJob(originalID int64) (*model.Job, error) {
	var created *model.Job
	err := fs.transact(func(st *state) error {
		orig := st.job(originalID)
		if orig == nil {
			return ErrNotFound
		}
		if orig.Status != model.StatusFailed {
			return fmt.Errorf("job %d has status %q: %w", originalID, orig.Status, ErrRetryNotEligible)
		}
		if orig.RetryCount >= orig.MaxRetries {
			return fmt.Errorf("job %d used all %d retries: %w", originalID, orig.MaxRetries, ErrRetryNotEligible)
		}

		retryCount := orig.RetryCount + 1
		retryDelay := orig.RetryDelay * math.Pow(fs.opts.RetryBackoff, float64(retryCount-1))

		rootID := originalID
		if orig.OriginalJobID != nil {
			rootID = *orig.OriginalJobID
		}

		now := time.Now().UTC()
		job := &model.Job{
			ID:            st.NextJobID,
			PackageName:   orig.PackageName,
			Priority:      orig.Priority,
			Status:        model.StatusPending,
			Dependencies:  append([]string(nil), orig.Dependencies...),
			EstimatedTime: orig.EstimatedTime,
			SubmittedBy:   orig.SubmittedBy,
			SubmittedAt:   now,
			SpackCommand:  orig.SpackCommand,
			RetryCount:    retryCount,
			MaxRetries:    orig.MaxRetries,
			LastRetryAt:   &now,
			RetryDelay:    retryDelay,
			IsRetry:       true,
			OriginalJobID: &rootID,
		}
		st.NextJobID++
		st.Jobs = append(st.Jobs, job)

		orig.RetryCount = retryCount
		orig.LastRetryAt = &now

		st.appendLog(job.ID, model.LogLevelInfo,
			fmt.Sprintf("Retry job created (attempt %d/%d) for original job %d", retryCount, orig.MaxRetries, originalID))
		st.appendLog(originalID, model.LogLevelInfo,
			fmt.Sprintf("Retry attempt %d created as job %d, next retry delay: %.1fs", retryCount, job.ID, retryDelay))

		created = job.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (fs *FileStore) RetryEligibleJobs() ([]*model.Job, error) {
	var eligible []*model.Job
	err := fs.view(func(st *state) error {
		now := time.Now().UTC()
		for _, j := range st.Jobs {
			if j.Status != model.StatusFailed || j.RetryCount >= j.MaxRetries {
				continue
			}
			if j.LastRetryAt != nil && now.Sub(*j.LastRetryAt).Seconds() < j.RetryDelay {
				continue
			}
			eligible = append(eligible, j.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return eligible, nil
}

func (fs *FileStore) WorkerStatus() (*model.WorkerStatus, error) {
	var ws *model.WorkerStatus
	err := fs.view(func(st *state) error {
		ws = st.WorkerStatus.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (fs *FileStore) SetWorkerStatus(active bool, currentJobID *int64, startedAt *time.Time, processID *int) error {
	return fs.transact(func(st *state) error {
		ws := st.WorkerStatus
		if ws == nil {
			ws = &model.WorkerStatus{}
			st.WorkerStatus = ws
		}
		now := time.Now().UTC()
		ws.IsActive = active
		ws.CurrentJobID = currentJobID
		ws.LastHeartbeat = &now
		if startedAt != nil {
			ws.StartedAt = startedAt
		}
		if processID != nil {
			ws.ProcessID = processID
		}
		if !active {
			ws.CurrentJobID = nil
			ws.StartedAt = nil
			ws.ProcessID = nil
		}
		return nil
	})
}

func (fs *FileStore) Close() error {
	return nil
}
