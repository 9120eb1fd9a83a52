package model

import "time"

// WorkerStatus is the singleton liveness record for the active worker.
type WorkerStatus struct {
	IsActive      bool       `json:"is_active"`
	CurrentJobID  *int64     `json:"current_job_id"`
	StartedAt     *time.Time `json:"started_at"`
	LastHeartbeat *time.Time `json:"last_heartbeat"`
	ProcessID     *int       `json:"process_id"`
}

func (w *WorkerStatus) Clone() *WorkerStatus {
	if w == nil {
		return nil
	}
	c := *w
	c.CurrentJobID = cloneInt64(w.CurrentJobID)
	c.StartedAt = cloneTime(w.StartedAt)
	c.LastHeartbeat = cloneTime(w.LastHeartbeat)
	if w.ProcessID != nil {
		pid := *w.ProcessID
		c.ProcessID = &pid
	}
	return &c
}

// Alive reports whether the worker is marked active with a heartbeat fresher
// than maxAge. A missing heartbeat counts as dead.
func (w *WorkerStatus) Alive(now time.Time, maxAge time.Duration) bool {
	if w == nil || !w.IsActive || w.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*w.LastHeartbeat) < maxAge
}
