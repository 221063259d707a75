package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInvoke_EchoesStdinToStdout(t *testing.T) {
	out := filepath.Join(t.TempDir(), "worker_output.txt")
	res, err := Invoke(context.Background(), Request{
		Command:    "sh",
		Args:       []string{"-c", "cat"},
		Prompt:     `{"phase": "plan"}`,
		Dir:        t.TempDir(),
		Timeout:    10 * time.Second,
		OutputPath: out,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Stdout != `{"phase": "plan"}` {
		t.Fatalf("stdout=%q", res.Stdout)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"phase"`) {
		t.Fatalf("transcript=%q", data)
	}
}

func TestInvoke_NonZeroExit(t *testing.T) {
	out := filepath.Join(t.TempDir(), "worker_output.txt")
	_, err := Invoke(context.Background(), Request{
		Command:    "sh",
		Args:       []string{"-c", "echo partial; echo oops >&2; exit 3"},
		Dir:        t.TempDir(),
		Timeout:    10 * time.Second,
		OutputPath: out,
	})
	var werr *Error
	if !errors.As(err, &werr) {
		t.Fatalf("err=%v want *worker.Error", err)
	}
	if werr.ExitCode != 3 {
		t.Fatalf("exit=%d want 3", werr.ExitCode)
	}
	if werr.TimedOut {
		t.Fatal("TimedOut should be false")
	}
	// Transcript is persisted even on failure, stderr included.
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "partial") || !strings.Contains(string(data), "oops") {
		t.Fatalf("transcript=%q", data)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	out := filepath.Join(t.TempDir(), "worker_output.txt")
	start := time.Now()
	_, err := Invoke(context.Background(), Request{
		Command:    "sh",
		Args:       []string{"-c", "sleep 30"},
		Dir:        t.TempDir(),
		Timeout:    200 * time.Millisecond,
		OutputPath: out,
	})
	var werr *Error
	if !errors.As(err, &werr) {
		t.Fatalf("err=%v want *worker.Error", err)
	}
	if !werr.TimedOut {
		t.Fatalf("expected TimedOut, got %v", werr)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("timeout took %v, process group not killed", elapsed)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("transcript missing after timeout: %v", err)
	}
}

func TestInvoke_CommandNotFound(t *testing.T) {
	_, err := Invoke(context.Background(), Request{
		Command: "definitely-not-a-real-worker-binary",
		Dir:     t.TempDir(),
		Timeout: time.Second,
	})
	var werr *Error
	if !errors.As(err, &werr) {
		t.Fatalf("err=%v want *worker.Error", err)
	}
}
