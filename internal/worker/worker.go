// Package worker invokes the external text-generation worker as a
// subprocess. The prompt goes in on stdin and the control response comes
// back on stdout; stderr is captured alongside for the run artifacts. The
// worker runs in its own process group so a timeout kills the whole tree,
// not just the immediate child.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Request describes one worker invocation.
type Request struct {
	Command string
	Args    []string
	Prompt  string
	Dir     string
	Timeout time.Duration
	// OutputPath receives the combined stdout+stderr transcript regardless
	// of outcome, so failed invocations remain inspectable.
	OutputPath string
}

// Result is a successful invocation.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Error is a failed invocation: the worker timed out, could not be
// started, or exited non-zero.
type Error struct {
	TimedOut   bool
	ExitCode   int
	OutputPath string
	Err        error
}

func (e *Error) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("worker timed out (transcript: %s)", e.OutputPath)
	}
	if e.ExitCode != 0 {
		return fmt.Sprintf("worker exited %d (transcript: %s)", e.ExitCode, e.OutputPath)
	}
	return fmt.Sprintf("worker failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Invoke runs the worker to completion. The transcript is persisted to
// req.OutputPath before returning, on both success and failure.
func Invoke(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Stdin = strings.NewReader(req.Prompt)
	// Own process group so the entire tree can be killed on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	dur := time.Since(start)

	if req.OutputPath != "" {
		if err := persistTranscript(req.OutputPath, stdout.String(), stderr.String()); err != nil {
			return nil, fmt.Errorf("persist worker transcript: %w", err)
		}
	}

	if runErr != nil {
		werr := &Error{OutputPath: req.OutputPath, Err: runErr}
		if ctx.Err() == context.DeadlineExceeded {
			werr.TimedOut = true
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			werr.ExitCode = exitErr.ExitCode()
		}
		return nil, werr
	}
	return &Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: dur}, nil
}

func persistTranscript(path, stdout, stderr string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString(stdout)
	if stderr != "" {
		if stdout != "" && !strings.HasSuffix(stdout, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("--- stderr ---\n")
		b.WriteString(stderr)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
