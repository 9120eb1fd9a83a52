package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hpcops/spackq/internal/daemon"
	"github.com/hpcops/spackq/internal/logging"
	"github.com/hpcops/spackq/internal/model"
	"github.com/hpcops/spackq/internal/queue"
	"github.com/hpcops/spackq/internal/rpc"
	"github.com/hpcops/spackq/internal/setup"
	"github.com/hpcops/spackq/internal/status"
	"github.com/hpcops/spackq/internal/store"
	"github.com/hpcops/spackq/internal/worker"
)

const version = "1.0.0"

func main() {
	// A missing .env file is the normal case.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "init":
		runInit(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "jobs":
		runJobs(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "logs":
		runLogs(os.Args[2:])
	case "retry":
		runRetry(os.Args[2:])
	case "order":
		runOrder(os.Args[2:])
	case "check-deps":
		runCheckDeps(os.Args[2:])
	case "cleanup":
		runCleanup(os.Args[2:])
	case "config-check":
		runConfigCheck(os.Args[2:])
	case "version":
		fmt.Printf("spackq %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("SPACK_INSTALLER_CONFIG"), "path to a spackq config file")
	return fs, configPath
}

func mustLoadConfig(path string) model.Config {
	cfg, err := model.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// jobIDArg pulls the leading positional job id off args so flags can follow
// the id on the command line.
func jobIDArg(args []string, usage string) (int64, []string) {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid job id: %s\n", args[0])
		os.Exit(1)
	}
	return id, args[1:]
}

// openManager opens the job store directly for the admin subcommands that do
// not go through the daemon.
func openManager(cfg model.Config) (*queue.Manager, store.Store) {
	st, err := store.Open(cfg.Database, store.Options{
		MaxRetries:     cfg.Retry.MaxRetries,
		RetryBaseDelay: cfg.Retry.BaseDelaySec,
		RetryBackoff:   cfg.Retry.BackoffFactor,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	return queue.NewManager(st, nil), st
}

func runDaemon(args []string) {
	fs, configPath := newFlagSet("daemon")
	fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	log := logging.New(os.Stderr, "daemon", logging.ParseLevel(cfg.Logging.Level))

	if err := daemon.New(cfg, log).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", "", "where to write the config file (default: the standard location)")
	fs.Parse(args)

	written, err := setup.Run(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Initialized config at %s\n", written)
}

func runSubmit(args []string) {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(os.Stderr, "usage: spackq submit <package> [--priority <p>] [--deps <a,b>] [--estimated-time <secs>] [--spack-command <cmd>] [--spack-setup <path>]")
		os.Exit(1)
	}
	pkg := args[0]

	fs, configPath := newFlagSet("submit")
	priority := fs.String("priority", "medium", "job priority: high, medium or low")
	deps := fs.String("deps", "", "comma-separated list of dependency packages")
	estimate := fs.Float64("estimated-time", queue.DefaultEstimatedTime, "estimated installation time in seconds")
	command := fs.String("spack-command", "", "custom spack command overriding the default")
	setupScript := fs.String("spack-setup", "", "setup script to source, overriding the configured one")
	fs.Parse(args[1:])

	spackCommand := *command
	if *setupScript != "" {
		if _, err := os.Stat(*setupScript); err != nil {
			fmt.Fprintf(os.Stderr, "Spack setup script not found: %s\n", *setupScript)
			os.Exit(1)
		}
		if spackCommand == "" {
			spackCommand = "spack install " + pkg
		}
		spackCommand = fmt.Sprintf("source %s && %s", *setupScript, spackCommand)
	}

	cfg := mustLoadConfig(*configPath)
	job, err := rpc.NewClient(cfg.Server).SubmitJob(rpc.SubmitJobParams{
		PackageName:   pkg,
		Priority:      *priority,
		Dependencies:  splitDeps(*deps),
		EstimatedTime: *estimate,
		SpackCommand:  spackCommand,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Job submitted successfully!")
	fmt.Printf("Job ID: %d\n", job.ID)
	fmt.Printf("Package: %s\n", job.PackageName)
	fmt.Printf("Priority: %s\n", job.Priority)
	fmt.Printf("Estimated time: %s\n", status.FormatDuration(job.EstimatedTime))
	if len(job.Dependencies) > 0 {
		fmt.Printf("Dependencies: %s\n", strings.Join(job.Dependencies, ", "))
	}
}

func runStatus(args []string) {
	fs, configPath := newFlagSet("status")
	jsonOutput := fs.Bool("json", false, "print the raw status payload as JSON")
	fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	st, err := rpc.NewClient(cfg.Server).Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		if err := status.WriteJSON(os.Stdout, st); err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			os.Exit(1)
		}
		return
	}
	status.PrintQueue(os.Stdout, st)
}

func runJobs(args []string) {
	fs, configPath := newFlagSet("jobs")
	statusFilter := fs.String("status", "", "filter by status: pending, running, completed, failed or cancelled")
	verbose := fs.Bool("verbose", false, "show timing and dependency columns")
	jsonOutput := fs.Bool("json", false, "print jobs as JSON")
	fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	jobs, err := rpc.NewClient(cfg.Server).Jobs(*statusFilter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		if err := status.WriteJSON(os.Stdout, jobs); err != nil {
			fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
			os.Exit(1)
		}
		return
	}
	status.PrintJobs(os.Stdout, jobs, *verbose)
}

func runCancel(args []string) {
	id, rest := jobIDArg(args, "usage: spackq cancel <job-id>")
	fs, configPath := newFlagSet("cancel")
	fs.Parse(rest)

	cfg := mustLoadConfig(*configPath)
	cancelled, err := rpc.NewClient(cfg.Server).Cancel(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
		os.Exit(1)
	}
	if !cancelled {
		fmt.Printf("Could not cancel job %d. Job may not exist or may not be in pending status.\n", id)
		return
	}
	fmt.Printf("Job %d cancelled successfully.\n", id)
}

func runLogs(args []string) {
	id, rest := jobIDArg(args, "usage: spackq logs <job-id>")
	fs, configPath := newFlagSet("logs")
	jsonOutput := fs.Bool("json", false, "print log entries as JSON")
	fs.Parse(rest)

	cfg := mustLoadConfig(*configPath)
	logs, err := rpc.NewClient(cfg.Server).JobLogs(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logs: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		if err := status.WriteJSON(os.Stdout, logs); err != nil {
			fmt.Fprintf(os.Stderr, "logs: %v\n", err)
			os.Exit(1)
		}
		return
	}
	status.PrintLogs(os.Stdout, id, logs)
}

func runRetry(args []string) {
	id, rest := jobIDArg(args, "usage: spackq retry <job-id>")
	fs, configPath := newFlagSet("retry")
	fs.Parse(rest)

	cfg := mustLoadConfig(*configPath)
	mgr, st := openManager(cfg)
	defer st.Close()

	orig, err := mgr.Job(id)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Job %d not found.\n", id)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "retry: %v\n", err)
		os.Exit(1)
	}
	if orig.Status != model.StatusFailed {
		fmt.Fprintf(os.Stderr, "Job %d is not failed (status: %s). Only failed jobs can be retried.\n", id, orig.Status)
		os.Exit(1)
	}
	if orig.RetryCount >= orig.MaxRetries {
		fmt.Fprintf(os.Stderr, "Job %d has exhausted all retry attempts (%d/%d).\n", id, orig.RetryCount, orig.MaxRetries)
		os.Exit(1)
	}

	retry, err := mgr.CreateRetryJob(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "retry: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Retry job created successfully!")
	fmt.Printf("New Job ID: %d\n", retry.ID)
	fmt.Printf("Package: %s\n", retry.PackageName)
	fmt.Printf("Retry attempt: %d/%d\n", retry.RetryCount, retry.MaxRetries)
	fmt.Printf("Original job ID: %d\n", id)
	fmt.Printf("Priority: %s\n", retry.Priority)
	fmt.Printf("Estimated time: %s\n", status.FormatDuration(retry.EstimatedTime))
	if len(retry.Dependencies) > 0 {
		fmt.Printf("Dependencies: %s\n", strings.Join(retry.Dependencies, ", "))
	}
	if retry.LastRetryAt != nil {
		eligible := retry.LastRetryAt.Add(model.Seconds(retry.RetryDelay))
		if wait := time.Until(eligible); wait > 0 {
			fmt.Printf("Next retry eligible in: %s\n", status.FormatDuration(wait.Seconds()))
		} else {
			fmt.Println("Job is eligible to run immediately")
		}
	}
}

func runOrder(args []string) {
	fs, configPath := newFlagSet("order")
	jsonOutput := fs.Bool("json", false, "print the ordered jobs as JSON")
	fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	mgr, st := openManager(cfg)
	defer st.Close()

	jobs, err := mgr.OptimizedOrder()
	if err != nil {
		fmt.Fprintf(os.Stderr, "order: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		if err := status.WriteJSON(os.Stdout, jobs); err != nil {
			fmt.Fprintf(os.Stderr, "order: %v\n", err)
			os.Exit(1)
		}
		return
	}
	status.PrintOrder(os.Stdout, jobs)
}

func runCheckDeps(args []string) {
	fs, configPath := newFlagSet("check-deps")
	jsonOutput := fs.Bool("json", false, "print the dependency report as JSON")
	fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	mgr, st := openManager(cfg)
	defer st.Close()

	report, err := mgr.DetectDependencyIssues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "check-deps: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		if err := status.WriteJSON(os.Stdout, report); err != nil {
			fmt.Fprintf(os.Stderr, "check-deps: %v\n", err)
			os.Exit(1)
		}
		return
	}
	status.PrintDependencyReport(os.Stdout, report)
}

func runCleanup(args []string) {
	fs, configPath := newFlagSet("cleanup")
	keepDays := fs.Int("keep-days", 7, "days of completed jobs to keep")
	fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	mgr, st := openManager(cfg)
	defer st.Close()

	n, err := mgr.CleanupCompletedJobs(*keepDays)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cleanup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Cleaned up %d old jobs.\n", n)
}

func runConfigCheck(args []string) {
	fs, configPath := newFlagSet("config-check")
	fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	build := worker.CommandBuilder{SetupScript: cfg.Spack.SetupScript}

	fmt.Println("=== Spack Configuration ===")
	fmt.Printf("Spack setup script: %s\n", cfg.Spack.SetupScript)
	if build.SetupScriptExists() {
		fmt.Println("Setup script found")
	} else {
		fmt.Println("Setup script not found")
		fmt.Println("  Set SPACK_SETUP_SCRIPT or spack.setup_script to point at it")
	}

	fmt.Println()
	fmt.Println("=== Database Configuration ===")
	fmt.Printf("Database type: %s\n", cfg.Database.Type)
	if cfg.Database.Type == model.DatabaseTypeJSON || cfg.Database.Type == "" {
		fmt.Printf("State file: %s\n", cfg.Database.Path)
	} else {
		fmt.Printf("Database URL: %s\n", cfg.Database.URL)
	}
	mgr, st := openManager(cfg)
	qs, err := mgr.QueueStatus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error accessing database: %v\n", err)
	} else {
		total := 0
		for _, n := range qs.StatusCounts {
			total += n
		}
		fmt.Printf("Total jobs in database: %d\n", total)
	}
	st.Close()

	fmt.Println()
	fmt.Println("=== Worker Configuration ===")
	fmt.Printf("Check interval: %.0fs\n", cfg.Worker.CheckIntervalSec)
	fmt.Printf("Heartbeat interval: %.0fs\n", cfg.Worker.HeartbeatIntervalSec)
	fmt.Printf("Job timeout multiplier: %.1fx\n", cfg.Worker.TimeoutMultiplier)
	fmt.Printf("Max heartbeat age: %.0fs\n", cfg.Worker.MaxHeartbeatAgeSec)

	if !build.SetupScriptExists() {
		return
	}
	fmt.Println()
	fmt.Println("=== Testing Spack Availability ===")
	exec := &worker.ShellExecutor{}
	res, err := exec.Run(context.Background(), build.WithSetup("spack --version"), 10*time.Second, nil)
	switch {
	case err != nil:
		fmt.Printf("Error testing spack: %v\n", err)
	case res.TimedOut:
		fmt.Println("Spack test timed out")
	case res.ExitCode == 0 && len(res.Lines) > 0:
		fmt.Printf("Spack is available: %s\n", res.Lines[len(res.Lines)-1])
	default:
		fmt.Printf("Failed to run spack (exit code %d)\n", res.ExitCode)
	}
}

func splitDeps(s string) []string {
	var deps []string
	for _, d := range strings.Split(s, ",") {
		if d = strings.TrimSpace(d); d != "" {
			deps = append(deps, d)
		}
	}
	return deps
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `spackq %s - a queuing system for Spack package installations

Usage: spackq <command> [options]

Daemon:
  daemon                     Run the worker and RPC server in the foreground
  init [--path <file>]       Write a starter config file

Queue (talks to the daemon):
  submit <package> [options]        Queue a package installation
  status [--json]                   Show queue summary and job counts
  jobs [--status <s>] [--verbose]   List jobs
  cancel <job-id>                   Cancel a pending job
  logs <job-id>                     Show the log for a job

Admin (opens the job store directly):
  retry <job-id>             Queue a retry of a failed job
  order                      Show the order the scheduler would pick
  check-deps                 Report circular and missing dependencies
  cleanup [--keep-days <n>]  Delete old completed jobs
  config-check               Check spack and database configuration

Common options:
  --config <path>   Config file (default: $SPACK_INSTALLER_CONFIG, then the standard location)

  version           Show version
  help              Show this help

`, version)
}
