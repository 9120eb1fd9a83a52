package model

import "time"

type LogLevel string

const (
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// LogEntry is one append-only line of a job's installation log.
type LogEntry struct {
	ID        int64     `json:"id"`
	JobID     int64     `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

func (e *LogEntry) Clone() *LogEntry {
	c := *e
	return &c
}
