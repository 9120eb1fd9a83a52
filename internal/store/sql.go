package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hpcops/spackq/internal/model"
)

type sqlFlavor int

const (
	flavorSQLite sqlFlavor = iota
	flavorPostgres
)

// sqlTimeLayout is RFC 3339 with fixed-width fractional seconds, so stored
// timestamps compare chronologically as strings.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const jobColumns = `id, package_name, priority, status, dependencies, estimated_time, actual_time,
	submitted_by, submitted_at, started_at, completed_at, spack_command, error_message,
	retry_count, max_retries, last_retry_at, retry_delay, is_retry, original_job_id`

// sqlStore implements Store on database/sql for both SQL backends. Every
// operation runs in one transaction, and the meta row holding the job id
// counter doubles as the serialization point for job creation.
type sqlStore struct {
	db     *sql.DB
	flavor sqlFlavor
	opts   Options

	mu sync.Mutex
}

// q rewrites ? placeholders into the $n form postgres expects.
func (s *sqlStore) q(query string) string {
	if s.flavor != flavorPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// rowLock returns the locking clause for reads that precede a write. SQLite
// serializes writers on its own.
func (s *sqlStore) rowLock() string {
	if s.flavor == flavorPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (s *sqlStore) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func fmtSQLTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

func sqlTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtSQLTime(*t)
}

func parseSQLTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func sqlTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseSQLTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(sc rowScanner) (*model.Job, error) {
	var (
		j                             model.Job
		deps                          string
		actual                        sql.NullFloat64
		submitted                     string
		started, completed, lastRetry sql.NullString
		origID                        sql.NullInt64
	)
	err := sc.Scan(&j.ID, &j.PackageName, &j.Priority, &j.Status, &deps, &j.EstimatedTime, &actual,
		&j.SubmittedBy, &submitted, &started, &completed, &j.SpackCommand, &j.ErrorMessage,
		&j.RetryCount, &j.MaxRetries, &lastRetry, &j.RetryDelay, &j.IsRetry, &origID)
	if err != nil {
		return nil, err
	}
	if deps != "" {
		if err := json.Unmarshal([]byte(deps), &j.Dependencies); err != nil {
			return nil, fmt.Errorf("parse dependencies of job %d: %w", j.ID, err)
		}
	}
	if actual.Valid {
		v := actual.Float64
		j.ActualTime = &v
	}
	if j.SubmittedAt, err = parseSQLTime(submitted); err != nil {
		return nil, fmt.Errorf("parse submitted_at of job %d: %w", j.ID, err)
	}
	if j.StartedAt, err = sqlTimePtr(started); err != nil {
		return nil, fmt.Errorf("parse started_at of job %d: %w", j.ID, err)
	}
	if j.CompletedAt, err = sqlTimePtr(completed); err != nil {
		return nil, fmt.Errorf("parse completed_at of job %d: %w", j.ID, err)
	}
	if j.LastRetryAt, err = sqlTimePtr(lastRetry); err != nil {
		return nil, fmt.Errorf("parse last_retry_at of job %d: %w", j.ID, err)
	}
	if origID.Valid {
		v := origID.Int64
		j.OriginalJobID = &v
	}
	return &j, nil
}

// nextJobID consumes the job id counter. Locking the meta row also serializes
// concurrent job creation across connections.
func (s *sqlStore) nextJobID(tx *sql.Tx) (int64, error) {
	var raw string
	query := s.q(`SELECT value FROM meta WHERE key = ?`) + s.rowLock()
	if err := tx.QueryRow(query, "next_job_id").Scan(&raw); err != nil {
		return 0, fmt.Errorf("read job id counter: %w", err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid job id counter %q", raw)
	}
	_, err = tx.Exec(s.q(`UPDATE meta SET value = ? WHERE key = ?`), strconv.FormatInt(id+1, 10), "next_job_id")
	if err != nil {
		return 0, fmt.Errorf("advance job id counter: %w", err)
	}
	return id, nil
}

func (s *sqlStore) insertJob(tx *sql.Tx, j *model.Job) error {
	deps, err := json.Marshal(j.Dependencies)
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	_, err = tx.Exec(s.q(`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		j.ID, j.PackageName, string(j.Priority), string(j.Status), string(deps), j.EstimatedTime, nil,
		j.SubmittedBy, fmtSQLTime(j.SubmittedAt), nil, nil, j.SpackCommand, j.ErrorMessage,
		j.RetryCount, j.MaxRetries, sqlTimeArg(j.LastRetryAt), j.RetryDelay, j.IsRetry, int64Arg(j.OriginalJobID))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func int64Arg(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

func (s *sqlStore) appendLog(tx *sql.Tx, jobID int64, level model.LogLevel, message string) error {
	var next int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(id), 0) + 1 FROM job_logs`).Scan(&next); err != nil {
		return fmt.Errorf("next log id: %w", err)
	}
	_, err := tx.Exec(s.q(`INSERT INTO job_logs (id, job_id, timestamp, level, message) VALUES (?, ?, ?, ?, ?)`),
		next, jobID, fmtSQLTime(time.Now().UTC()), string(level), message)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

func (s *sqlStore) lockedJob(tx *sql.Tx, id int64) (*model.Job, error) {
	query := s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`) + s.rowLock()
	j, err := scanJob(tx.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *sqlStore) CreateJob(req CreateJobRequest) (*model.Job, error) {
	var created *model.Job
	err := s.withTx(func(tx *sql.Tx) error {
		id, err := s.nextJobID(tx)
		if err != nil {
			return err
		}

		var existingID int64
		query := s.q(`SELECT id FROM jobs WHERE package_name = ? AND status IN (?, ?) LIMIT 1`)
		err = tx.QueryRow(query, req.PackageName, string(model.StatusPending), string(model.StatusRunning)).Scan(&existingID)
		if err == nil {
			return &DuplicatePackageError{PackageName: req.PackageName, ExistingID: existingID}
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check duplicate package: %w", err)
		}

		job := &model.Job{
			ID:            id,
			PackageName:   req.PackageName,
			Priority:      req.Priority,
			Status:        model.StatusPending,
			Dependencies:  append([]string(nil), req.Dependencies...),
			EstimatedTime: req.EstimatedTime,
			SubmittedBy:   req.SubmittedBy,
			SubmittedAt:   time.Now().UTC(),
			SpackCommand:  req.SpackCommand,
			MaxRetries:    s.opts.MaxRetries,
			RetryDelay:    s.opts.RetryBaseDelay,
		}
		if err := s.insertJob(tx, job); err != nil {
			return err
		}
		err = s.appendLog(tx, job.ID, model.LogLevelInfo,
			fmt.Sprintf("Job submitted for package '%s'", req.PackageName))
		if err != nil {
			return err
		}
		created = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *sqlStore) Job(id int64) (*model.Job, error) {
	var job *model.Job
	err := s.withTx(func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRow(s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *sqlStore) Jobs(status model.Status) ([]*model.Job, error) {
	var jobs []*model.Job
	err := s.withTx(func(tx *sql.Tx) error {
		query := `SELECT ` + jobColumns + ` FROM jobs`
		args := []any{}
		if status != "" {
			query += ` WHERE status = ?`
			args = append(args, string(status))
		}
		query += ` ORDER BY submitted_at DESC, id`

		rows, err := tx.Query(s.q(query), args...)
		if err != nil {
			return fmt.Errorf("query jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *sqlStore) UpdateJobStatus(id int64, status model.Status, upd StatusUpdate) error {
	return s.withTx(func(tx *sql.Tx) error {
		j, err := s.lockedJob(tx, id)
		if err != nil {
			return err
		}
		if err := model.ValidateTransition(j.Status, status); err != nil {
			return err
		}

		set := []string{"status = ?"}
		args := []any{string(status)}
		if upd.StartedAt != nil {
			set = append(set, "started_at = ?")
			args = append(args, fmtSQLTime(*upd.StartedAt))
		}
		if upd.CompletedAt != nil {
			set = append(set, "completed_at = ?")
			args = append(args, fmtSQLTime(*upd.CompletedAt))
		}
		if upd.ActualTime != nil {
			set = append(set, "actual_time = ?")
			args = append(args, *upd.ActualTime)
		}
		if upd.ErrorMessage != nil {
			set = append(set, "error_message = ?")
			args = append(args, *upd.ErrorMessage)
		}
		args = append(args, id)
		_, err = tx.Exec(s.q(`UPDATE jobs SET `+strings.Join(set, ", ")+` WHERE id = ?`), args...)
		if err != nil {
			return fmt.Errorf("update job %d: %w", id, err)
		}

		msg := fmt.Sprintf("Job status changed to %s", status)
		if upd.ErrorMessage != nil && *upd.ErrorMessage != "" {
			msg += ": " + *upd.ErrorMessage
		}
		level := model.LogLevelInfo
		if status == model.StatusFailed {
			level = model.LogLevelError
		}
		return s.appendLog(tx, id, level, msg)
	})
}

func (s *sqlStore) AppendLog(jobID int64, level model.LogLevel, message string) error {
	return s.withTx(func(tx *sql.Tx) error {
		return s.appendLog(tx, jobID, level, message)
	})
}

func (s *sqlStore) JobLogs(jobID int64) ([]*model.LogEntry, error) {
	var logs []*model.LogEntry
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(s.q(`SELECT id, job_id, timestamp, level, message FROM job_logs
			WHERE job_id = ? ORDER BY timestamp, id`), jobID)
		if err != nil {
			return fmt.Errorf("query logs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				e  model.LogEntry
				ts string
			)
			if err := rows.Scan(&e.ID, &e.JobID, &ts, &e.Level, &e.Message); err != nil {
				return err
			}
			if e.Timestamp, err = parseSQLTime(ts); err != nil {
				return fmt.Errorf("parse log timestamp: %w", err)
			}
			logs = append(logs, &e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *sqlStore) StatusCounts() (map[model.Status]int, error) {
	counts := make(map[model.Status]int, len(model.AllStatuses()))
	for _, st := range model.AllStatuses() {
		counts[st] = 0
	}
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
		if err != nil {
			return fmt.Errorf("count jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				st model.Status
				n  int
			)
			if err := rows.Scan(&st, &n); err != nil {
				return err
			}
			counts[st] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *sqlStore) CompletedPackageNames() (map[string]bool, error) {
	completed := make(map[string]bool)
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(s.q(`SELECT DISTINCT package_name FROM jobs WHERE status = ?`),
			string(model.StatusCompleted))
		if err != nil {
			return fmt.Errorf("query completed packages: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			completed[name] = true
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

func (s *sqlStore) CleanupOlderThan(keepDays int) (int, error) {
	removed := 0
	err := s.withTx(func(tx *sql.Tx) error {
		cutoff := fmtSQLTime(time.Now().UTC().AddDate(0, 0, -keepDays))
		res, err := tx.Exec(s.q(`DELETE FROM jobs
			WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`),
			string(model.StatusCompleted), string(model.StatusFailed), string(model.StatusCancelled), cutoff)
		if err != nil {
			return fmt.Errorf("delete old jobs: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = int(n)

		_, err = tx.Exec(`DELETE FROM job_logs WHERE job_id NOT IN (SELECT id FROM jobs)`)
		if err != nil {
			return fmt.Errorf("prune orphan logs: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *sqlStore) CreateRetryJob(originalID int64) (*model.Job, error) {
	var created *model.Job
	err := s.withTx(func(tx *sql.Tx) error {
		orig, err := s.lockedJob(tx, originalID)
		if err != nil {
			return err
		}
		if orig.Status != model.StatusFailed {
			return fmt.Errorf("job %d has status %q: %w", originalID, orig.Status, ErrRetryNotEligible)
		}
		if orig.RetryCount >= orig.MaxRetries {
			return fmt.Errorf("job %d used all %d retries: %w", originalID, orig.MaxRetries, ErrRetryNotEligible)
		}

		id, err := s.nextJobID(tx)
		if err != nil {
			return err
		}

		retryCount := orig.RetryCount + 1
		retryDelay := orig.RetryDelay * math.Pow(s.opts.RetryBackoff, float64(retryCount-1))

		rootID := originalID
		if orig.OriginalJobID != nil {
			rootID = *orig.OriginalJobID
		}

		now := time.Now().UTC()
		job := &model.Job{
			ID:            id,
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
		if err := s.insertJob(tx, job); err != nil {
			return err
		}

		_, err = tx.Exec(s.q(`UPDATE jobs SET retry_count = ?, last_retry_at = ? WHERE id = ?`),
			retryCount, fmtSQLTime(now), originalID)
		if err != nil {
			return fmt.Errorf("update original job %d: %w", originalID, err)
		}

		err = s.appendLog(tx, job.ID, model.LogLevelInfo,
			fmt.Sprintf("Retry job created (attempt %d/%d) for original job %d", retryCount, orig.MaxRetries, originalID))
		if err != nil {
			return err
		}
		err = s.appendLog(tx, originalID, model.LogLevelInfo,
			fmt.Sprintf("Retry attempt %d created as job %d, next retry delay: %.1fs", retryCount, job.ID, retryDelay))
		if err != nil {
			return err
		}

		created = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *sqlStore) RetryEligibleJobs() ([]*model.Job, error) {
	var eligible []*model.Job
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(s.q(`SELECT `+jobColumns+` FROM jobs
			WHERE status = ? AND retry_count < max_retries ORDER BY id`), string(model.StatusFailed))
		if err != nil {
			return fmt.Errorf("query failed jobs: %w", err)
		}
		defer rows.Close()

		now := time.Now().UTC()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			if j.LastRetryAt != nil && now.Sub(*j.LastRetryAt).Seconds() < j.RetryDelay {
				continue
			}
			eligible = append(eligible, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return eligible, nil
}

func (s *sqlStore) WorkerStatus() (*model.WorkerStatus, error) {
	var ws *model.WorkerStatus
	err := s.withTx(func(tx *sql.Tx) error {
		var (
			w                 model.WorkerStatus
			jobID             sql.NullInt64
			started, beat     sql.NullString
			pid               sql.NullInt64
		)
		err := tx.QueryRow(`SELECT is_active, current_job_id, started_at, last_heartbeat, process_id
			FROM worker_status WHERE id = 1`).Scan(&w.IsActive, &jobID, &started, &beat, &pid)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("query worker status: %w", err)
		}
		if jobID.Valid {
			v := jobID.Int64
			w.CurrentJobID = &v
		}
		if w.StartedAt, err = sqlTimePtr(started); err != nil {
			return fmt.Errorf("parse worker started_at: %w", err)
		}
		if w.LastHeartbeat, err = sqlTimePtr(beat); err != nil {
			return fmt.Errorf("parse worker heartbeat: %w", err)
		}
		if pid.Valid {
			v := int(pid.Int64)
			w.ProcessID = &v
		}
		ws = &w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (s *sqlStore) SetWorkerStatus(active bool, currentJobID *int64, startedAt *time.Time, processID *int) error {
	return s.withTx(func(tx *sql.Tx) error {
		var (
			exists            bool
			prevStarted       sql.NullString
			prevPID           sql.NullInt64
		)
		query := `SELECT started_at, process_id FROM worker_status WHERE id = 1` + s.rowLock()
		err := tx.QueryRow(query).Scan(&prevStarted, &prevPID)
		switch {
		case err == sql.ErrNoRows:
			exists = false
		case err != nil:
			return fmt.Errorf("query worker status: %w", err)
		default:
			exists = true
		}

		now := fmtSQLTime(time.Now().UTC())
		startedArg := sqlTimeArg(startedAt)
		if startedArg == nil && prevStarted.Valid {
			startedArg = prevStarted.String
		}
		var pidArg any
		if processID != nil {
			pidArg = int64(*processID)
		} else if prevPID.Valid {
			pidArg = prevPID.Int64
		}
		if !active {
			currentJobID = nil
			startedArg = nil
			pidArg = nil
		}

		if exists {
			_, err = tx.Exec(s.q(`UPDATE worker_status
				SET is_active = ?, current_job_id = ?, started_at = ?, last_heartbeat = ?, process_id = ?
				WHERE id = 1`),
				active, int64Arg(currentJobID), startedArg, now, pidArg)
		} else {
			_, err = tx.Exec(s.q(`INSERT INTO worker_status (id, is_active, current_job_id, started_at, last_heartbeat, process_id)
				VALUES (1, ?, ?, ?, ?, ?)`),
				active, int64Arg(currentJobID), startedArg, now, pidArg)
		}
		if err != nil {
			return fmt.Errorf("write worker status: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
