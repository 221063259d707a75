package gate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ratchetlabs/ratchet/internal/artifact"
	"github.com/ratchetlabs/ratchet/internal/workflow"
)

func newRunner(t *testing.T) *Runner {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return &Runner{
		RepoRoot:     t.TempDir(),
		Store:        store,
		WorkflowPath: "ratchet.toml",
	}
}

func TestRun_AllPassing(t *testing.T) {
	r := newRunner(t)
	r.Required = []string{"build", "lint"}
	r.Commands = map[string]string{
		"build": "echo building",
		"lint":  "true",
	}
	rep, err := r.Run(context.Background(), "verify/iter_1/gate_outputs", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rep.AllPassed || len(rep.Failures) != 0 {
		t.Fatalf("report=%+v want all passed", rep)
	}
	if len(rep.Checks) != 2 || rep.Checks[0].Name != "build" || rep.Checks[1].Name != "lint" {
		t.Fatalf("checks=%+v want execution order preserved", rep.Checks)
	}
	data, err := os.ReadFile(r.Store.Path(rep.Checks[0].OutputRef))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "building") {
		t.Fatalf("log=%q", data)
	}
}

func TestRun_FailureNamesOnlyFailedCheck(t *testing.T) {
	r := newRunner(t)
	r.Required = []string{"a", "b"}
	r.Commands = map[string]string{
		"a": "true",
		"b": "exit 1",
	}
	rep, err := r.Run(context.Background(), "verify/iter_1/gate_outputs", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.AllPassed {
		t.Fatal("verdict should be false")
	}
	if len(rep.Failures) != 1 || rep.Failures[0] != "b failed (exit 1)" {
		t.Fatalf("failures=%v want [b failed (exit 1)]", rep.Failures)
	}
	if strings.Contains(rep.Failures[0], "a ") {
		t.Fatalf("failures=%v must not mention the passing check", rep.Failures)
	}
	if rep.Checks[1].ExitCode != 1 {
		t.Fatalf("exit=%d want 1", rep.Checks[1].ExitCode)
	}
}

func TestRun_MissingCommandIsConfigError(t *testing.T) {
	r := newRunner(t)
	r.Required = []string{"ghost"}
	r.Commands = map[string]string{}
	_, err := r.Run(context.Background(), "verify/iter_1/gate_outputs", nil)
	var ce *workflow.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err=%v want *workflow.ConfigError", err)
	}
}

func TestRun_CommandsRunInRepoRoot(t *testing.T) {
	r := newRunner(t)
	if err := os.WriteFile(filepath.Join(r.RepoRoot, "marker.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	r.Required = []string{"see"}
	r.Commands = map[string]string{"see": "test -f marker.txt"}
	rep, err := r.Run(context.Background(), "verify/iter_1/gate_outputs", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.AllPassed {
		t.Fatalf("report=%+v; check did not run in repo root", rep)
	}
}

func TestRun_StubScanFindsMarkers(t *testing.T) {
	r := newRunner(t)
	r.FailOnTodo = true
	if err := os.WriteFile(filepath.Join(r.RepoRoot, "wip.go"), []byte("package wip\n// TODO finish this\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(r.RepoRoot, "done.go"), []byte("package done\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rep, err := r.Run(context.Background(), "verify/iter_1/gate_outputs", []string{"wip.go", "done.go"})
	if err != nil {
		t.Fatal(err)
	}
	if rep.AllPassed {
		t.Fatal("stub scan should fail the gate")
	}
	if len(rep.Failures) != 1 || !strings.HasPrefix(rep.Failures[0], StubScanCheck+" failed") {
		t.Fatalf("failures=%v", rep.Failures)
	}
	data, err := os.ReadFile(r.Store.Path(rep.Checks[0].OutputRef))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "wip.go:2") {
		t.Fatalf("scan log=%q", data)
	}
}

func TestRun_StubScanCleanFiles(t *testing.T) {
	r := newRunner(t)
	r.FailOnTodo = true
	if err := os.WriteFile(filepath.Join(r.RepoRoot, "clean.go"), []byte("package clean\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rep, err := r.Run(context.Background(), "verify/iter_1/gate_outputs", []string{"clean.go", "deleted.go"})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.AllPassed {
		t.Fatalf("report=%+v want pass", rep)
	}
}
