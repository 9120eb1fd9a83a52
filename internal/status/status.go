// Package status renders queue, job and log information for the terminal.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hpcops/spackq/internal/model"
	"github.com/hpcops/spackq/internal/queue"
)

// WriteJSON prints v as indented JSON, for scripting against the CLI.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintQueue renders the queue summary and the per-status job counts.
func PrintQueue(w io.Writer, st *queue.Status) {
	fmt.Fprintln(w, "=== Queue Status ===")
	if st.WorkerActive {
		fmt.Fprintln(w, "Worker Active: Yes")
	} else {
		fmt.Fprintln(w, "Worker Active: No")
	}
	if st.CurrentJobID != nil {
		fmt.Fprintf(w, "Current Job: %d\n", *st.CurrentJobID)
	}
	if st.NextJobID != nil {
		fmt.Fprintf(w, "Next Job: %d\n", *st.NextJobID)
	}
	fmt.Fprintf(w, "Pending Jobs: %d\n", st.TotalPending)
	fmt.Fprintf(w, "Estimated Total Time: %s\n", FormatDuration(st.EstimatedTotalTime))

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Job Counts ===")
	for _, s := range model.AllStatuses() {
		fmt.Fprintf(w, "%s: %d\n", capitalize(string(s)), st.StatusCounts[s])
	}
}

// PrintJobs renders jobs as a table. Verbose adds the timing and dependency
// columns.
func PrintJobs(w io.Writer, jobs []*model.Job, verbose bool) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if verbose {
		fmt.Fprintln(tw, "ID\tPACKAGE\tSTATUS\tPRIORITY\tEST. TIME\tACTUAL TIME\tSUBMITTED\tSTARTED\tCOMPLETED\tDEPENDENCIES")
		for _, j := range jobs {
			actual := "N/A"
			if j.ActualTime != nil {
				actual = FormatDuration(*j.ActualTime)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				j.ID, j.PackageName, strings.ToUpper(string(j.Status)), j.Priority,
				FormatDuration(j.EstimatedTime), actual,
				FormatTimestamp(&j.SubmittedAt), FormatTimestamp(j.StartedAt), FormatTimestamp(j.CompletedAt),
				formatDeps(j.Dependencies))
		}
	} else {
		fmt.Fprintln(tw, "ID\tPACKAGE\tSTATUS\tPRIORITY\tEST. TIME\tSUBMITTED\tSUBMITTED BY")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				j.ID, j.PackageName, strings.ToUpper(string(j.Status)), j.Priority,
				FormatDuration(j.EstimatedTime), FormatTimestamp(&j.SubmittedAt), j.SubmittedBy)
		}
	}
	tw.Flush()
}

// PrintLogs renders a job's log lines, oldest first.
func PrintLogs(w io.Writer, jobID int64, logs []*model.LogEntry) {
	fmt.Fprintf(w, "=== Logs for Job %d ===\n", jobID)
	if len(logs) == 0 {
		fmt.Fprintln(w, "No logs found for this job.")
		return
	}
	for _, e := range logs {
		fmt.Fprintf(w, "%s [%s] %s\n", FormatTimestamp(&e.Timestamp), e.Level, e.Message)
	}
}

// PrintOrder renders the order the scheduler would pick pending jobs in.
func PrintOrder(w io.Writer, jobs []*model.Job) {
	fmt.Fprintln(w, "=== Optimized Queue Order ===")
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No pending jobs to optimize.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tID\tPACKAGE\tPRIORITY\tEST. TIME\tDEPENDENCIES")
	for i, j := range jobs {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n",
			i+1, j.ID, j.PackageName, j.Priority, FormatDuration(j.EstimatedTime), formatDeps(j.Dependencies))
	}
	tw.Flush()
}

// PrintDependencyReport renders circular pairs and jobs whose dependencies
// are neither completed nor queued.
func PrintDependencyReport(w io.Writer, r *queue.DependencyReport) {
	if len(r.CircularDependencies) > 0 {
		fmt.Fprintln(w, "=== Circular Dependencies Detected ===")
		for _, pair := range r.CircularDependencies {
			fmt.Fprintf(w, "%s <-> %s\n", pair[0], pair[1])
		}
	}
	if len(r.UnsatisfiedDependencies) > 0 {
		fmt.Fprintln(w, "=== Unsatisfied External Dependencies ===")
		for _, issue := range r.UnsatisfiedDependencies {
			fmt.Fprintf(w, "Job %d (%s) needs: %s\n", issue.JobID, issue.Package, strings.Join(issue.MissingExternalDeps, ", "))
		}
	}
	if len(r.CircularDependencies) == 0 && len(r.UnsatisfiedDependencies) == 0 {
		fmt.Fprintln(w, "No dependency issues detected.")
	}
}

// FormatDuration renders seconds the way the status display expects:
// seconds under a minute, minutes under an hour, hours beyond.
func FormatDuration(seconds float64) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%.1fs", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fh", seconds/3600)
	}
}

// FormatTimestamp renders a timestamp, with N/A for jobs that never reached
// the stage the column records.
func FormatTimestamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "N/A"
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatDeps(deps []string) string {
	if len(deps) == 0 {
		return "None"
	}
	joined := strings.Join(deps, ", ")
	if len(joined) > 30 {
		return joined[:30] + "..."
	}
	return joined
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
