package worker

import (
	"context"
	"testing"
	"time"
)

func shExec() *ShellExecutor {
	return &ShellExecutor{Shell: "/bin/sh", Grace: 200 * time.Millisecond}
}

func TestShellExecutor_CapturesLines(t *testing.T) {
	var streamed []string
	res, err := shExec().Run(context.Background(), "echo one; echo two", 10*time.Second, func(line string) {
		streamed = append(streamed, line)
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 || res.TimedOut {
		t.Errorf("result = %+v, want clean exit", res)
	}
	want := []string{"one", "two"}
	if len(res.Lines) != 2 || res.Lines[0] != want[0] || res.Lines[1] != want[1] {
		t.Errorf("Lines = %v, want %v", res.Lines, want)
	}
	if len(streamed) != 2 || streamed[0] != "one" || streamed[1] != "two" {
		t.Errorf("streamed = %v, want %v", streamed, want)
	}
}

func TestShellExecutor_SkipsEmptyAndTrimsCR(t *testing.T) {
	res, err := shExec().Run(context.Background(), `printf 'a\r\n\nb\n'`, 10*time.Second, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Lines) != 2 || res.Lines[0] != "a" || res.Lines[1] != "b" {
		t.Errorf("Lines = %v, want [a b]", res.Lines)
	}
}

func TestShellExecutor_MergesStderr(t *testing.T) {
	res, err := shExec().Run(context.Background(), "echo out; echo err 1>&2", 10*time.Second, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Lines) != 2 || res.Lines[0] != "out" || res.Lines[1] != "err" {
		t.Errorf("Lines = %v, want [out err]", res.Lines)
	}
}

func TestShellExecutor_ExitCode(t *testing.T) {
	res, err := shExec().Run(context.Background(), "echo failing; exit 3", 10*time.Second, nil)
	if err != nil {
		t.Fatalf("nonzero exit should not be an error, got %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.TimedOut {
		t.Error("TimedOut = true, want false")
	}
}

func TestShellExecutor_Timeout(t *testing.T) {
	start := time.Now()
	res, err := shExec().Run(context.Background(), "sleep 30", 100*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timed-out command took %s to return", elapsed)
	}
	if !res.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if res.ExitCode == 0 {
		t.Error("ExitCode = 0 for a killed command")
	}
}

func TestShellExecutor_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := shExec().Run(ctx, "sleep 30", time.Minute, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancelled command took %s to return", elapsed)
	}
	if res.TimedOut {
		t.Error("TimedOut = true for a cancellation, want false")
	}
	if res.ExitCode == 0 {
		t.Error("ExitCode = 0 for a killed command")
	}
}

func TestShellExecutor_UnrunnableShell(t *testing.T) {
	e := &ShellExecutor{Shell: "/no/such/shell"}
	if _, err := e.Run(context.Background(), "echo hi", time.Second, nil); err == nil {
		t.Fatal("expected error for unrunnable shell")
	}
}

func TestShellExecutor_NilOnLine(t *testing.T) {
	res, err := shExec().Run(context.Background(), "echo hi", 10*time.Second, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Lines) != 1 || res.Lines[0] != "hi" {
		t.Errorf("Lines = %v", res.Lines)
	}
}
