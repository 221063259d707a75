// Package gate runs the verify phase's required checks. Each check is a
// named command from the workflow's command table, executed via sh -c with
// the repo root as working directory. Combined output lands in the run
// directory so a failing check is inspectable after the fact.
//
// Checks run without a per-check timeout. A hung check therefore hangs the
// run; keep gate commands bounded (test runners with their own timeouts,
// linters, builds).
package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/ratchetlabs/ratchet/internal/artifact"
	"github.com/ratchetlabs/ratchet/internal/workflow"
)

// CheckResult records one executed check.
type CheckResult struct {
	Name     string `json:"name"`
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	// OutputRef is the run-relative path of the check's log.
	OutputRef string `json:"output_ref"`
}

// Report is the outcome of one gate pass. Checks preserve execution order;
// Failures carries one description per failed check, naming it and its
// exit code.
type Report struct {
	Checks    []CheckResult `json:"checks"`
	AllPassed bool          `json:"all_passed"`
	Failures  []string      `json:"failures"`
}

// Runner executes the configured checks for a workflow.
type Runner struct {
	RepoRoot     string
	Store        *artifact.Store
	WorkflowPath string
	Required     []string
	Commands     map[string]string
	// FailOnTodo appends a synthetic stub_scan check over the changed
	// files after the command checks.
	FailOnTodo bool
}

// Run executes every required check in order, writing each check's log
// under logDirRel. A missing command is a configuration error; a failing
// command is not an error, it is a false verdict.
func (r *Runner) Run(ctx context.Context, logDirRel string, changed []string) (*Report, error) {
	report := &Report{AllPassed: true, Checks: []CheckResult{}, Failures: []string{}}
	for _, name := range r.Required {
		cmdStr, ok := r.Commands[name]
		if !ok {
			return nil, &workflow.ConfigError{
				File:   r.WorkflowPath,
				Detail: fmt.Sprintf("required check %q has no command", name),
			}
		}
		res, err := r.runCheck(ctx, logDirRel, name, cmdStr)
		if err != nil {
			return nil, err
		}
		report.record(res)
	}
	if r.FailOnTodo {
		res, err := r.runStubScan(logDirRel, changed)
		if err != nil {
			return nil, err
		}
		report.record(res)
	}
	return report, nil
}

func (rep *Report) record(res CheckResult) {
	rep.Checks = append(rep.Checks, res)
	if res.ExitCode != 0 {
		rep.AllPassed = false
		rep.Failures = append(rep.Failures, fmt.Sprintf("%s failed (exit %d)", res.Name, res.ExitCode))
	}
}

func (r *Runner) runCheck(ctx context.Context, logDirRel, name, cmdStr string) (CheckResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdStr)
	cmd.Dir = r.RepoRoot
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	exitCode := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return CheckResult{}, fmt.Errorf("run check %q: %w", name, err)
		}
	}

	logRel := filepath.Join(logDirRel, name+".log")
	if err := r.Store.WriteFile(logRel, combined.Bytes()); err != nil {
		return CheckResult{}, err
	}
	return CheckResult{
		Name:      name,
		Command:   cmdStr,
		ExitCode:  exitCode,
		OutputRef: filepath.ToSlash(logRel),
	}, nil
}
