package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

// ExecResult is the outcome of one command run. Lines holds the merged
// stdout and stderr output, one entry per non-empty line.
type ExecResult struct {
	ExitCode int
	TimedOut bool
	Lines    []string
}

// Executor runs a shell command, calling onLine for every output line as it
// appears. It returns an error only when the command could not be run at
// all; a nonzero exit lands in the result.
type Executor interface {
	Run(ctx context.Context, command string, timeout time.Duration, onLine func(line string)) (*ExecResult, error)
}

// ShellExecutor runs commands through bash with stderr merged into stdout.
// The command gets its own process group; on timeout or context cancellation
// the whole group receives SIGTERM, then SIGKILL after a grace period, so
// children spawned by build scripts die with it.
type ShellExecutor struct {
	Shell string        // defaults to /bin/bash
	Grace time.Duration // defaults to 5s
}

func (e *ShellExecutor) Run(ctx context.Context, command string, timeout time.Duration, onLine func(string)) (*ExecResult, error) {
	shell := e.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	grace := e.Grace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	cmd := exec.Command(shell, "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open output pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	pgid := cmd.Process.Pid

	done := make(chan struct{})
	var timedOut atomic.Bool

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			timedOut.Store(true)
		case <-ctx.Done():
		}
		killGroup(pgid, grace, done)
	}()

	res := &ExecResult{}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		res.Lines = append(res.Lines, line)
		if onLine != nil {
			onLine(line)
		}
	}

	waitErr := cmd.Wait()
	close(done)

	res.TimedOut = timedOut.Load()
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, waitErr
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

func killGroup(pgid int, grace time.Duration, done <-chan struct{}) {
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}
