// Package engine drives a workflow run: it walks the configured phases in
// order, invokes the worker once per phase entry, demands a schema-valid
// control object back, enforces the write policy, and on the verify phase
// runs the gates and loops back to the repair phase until the gates pass
// or an iteration limit trips.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ratchetlabs/ratchet/internal/artifact"
	"github.com/ratchetlabs/ratchet/internal/extract"
	"github.com/ratchetlabs/ratchet/internal/gate"
	"github.com/ratchetlabs/ratchet/internal/gitutil"
	"github.com/ratchetlabs/ratchet/internal/policy"
	"github.com/ratchetlabs/ratchet/internal/schemaval"
	"github.com/ratchetlabs/ratchet/internal/worker"
	"github.com/ratchetlabs/ratchet/internal/workflow"
)

type RunOptions struct {
	Workflow *workflow.Spec
	RepoRoot string

	// Task is the human task statement handed to every phase prompt.
	Task string

	// RunID is a globally unique filesystem-safe identifier. If empty, one
	// is generated (ULID).
	RunID string

	// RunsRoot defaults to <workflow dir>/runs.
	RunsRoot string

	// Worker invocation. Command defaults to "claude", Args to ["-p"],
	// Timeout to 10 minutes.
	WorkerCommand string
	WorkerArgs    []string
	WorkerTimeout time.Duration

	// Stdout receives one-line run notices. Defaults to os.Stdout.
	Stdout io.Writer
}

func (o *RunOptions) applyDefaults() error {
	if o.Workflow == nil {
		return fmt.Errorf("no workflow given")
	}
	if o.RepoRoot == "" {
		return fmt.Errorf("no repo root given")
	}
	if o.RunID == "" {
		o.RunID = ulid.Make().String()
	}
	if o.RunsRoot == "" {
		o.RunsRoot = filepath.Join(o.Workflow.Dir, "runs")
	}
	if o.WorkerCommand == "" {
		o.WorkerCommand = "claude"
		if o.WorkerArgs == nil {
			o.WorkerArgs = []string{"-p"}
		}
	}
	if o.WorkerTimeout <= 0 {
		o.WorkerTimeout = 10 * time.Minute
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	return nil
}

// LimitError reports that an iteration ceiling was reached. Scope is
// "total" or "phase"; Phase names the offending phase for phase scope.
type LimitError struct {
	Scope string
	Phase string
	Limit int
}

func (e *LimitError) Error() string {
	if e.Scope == "phase" {
		return fmt.Sprintf("phase %q reached its iteration limit (%d)", e.Phase, e.Limit)
	}
	return fmt.Sprintf("run reached the total iteration limit (%d)", e.Limit)
}

// Result summarizes a finished run.
type Result struct {
	RunID           string
	RunDir          string
	TotalIterations int
	PhaseIterations map[string]int
	FinalDiffPath   string
}

// Engine executes one run. The git and worker collaborators are function
// fields so tests can substitute them without a real repo or worker.
type Engine struct {
	opts    RunOptions
	store   *artifact.Store
	schemas map[string]*schemaval.Schema
	gates   *gate.Runner

	invoke       func(ctx context.Context, req worker.Request) (*worker.Result, error)
	changedFiles func(dir string) ([]string, error)
	diff         func(dir string) (string, error)
}

// New validates the options, creates the run directory, compiles every
// phase schema, and snapshots the run inputs.
func New(opts RunOptions) (*Engine, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	spec := opts.Workflow
	if spec.AllowFileWrites() && !gitutil.IsRepo(opts.RepoRoot) {
		return nil, &workflow.ConfigError{
			File:   spec.SourcePath,
			Detail: fmt.Sprintf("write policy needs a git repo, %s is not one", opts.RepoRoot),
		}
	}

	store, err := artifact.NewStore(filepath.Join(opts.RunsRoot, opts.RunID))
	if err != nil {
		return nil, err
	}

	schemas := make(map[string]*schemaval.Schema, len(spec.Phases))
	for _, p := range spec.Phases {
		s, err := schemaval.Compile(spec.SchemaFile(p))
		if err != nil {
			return nil, &workflow.ConfigError{File: spec.SourcePath, Detail: err.Error()}
		}
		schemas[p.ID] = s
	}

	e := &Engine{
		opts:    opts,
		store:   store,
		schemas: schemas,
		gates: &gate.Runner{
			RepoRoot:     opts.RepoRoot,
			Store:        store,
			WorkflowPath: spec.SourcePath,
			Required:     spec.Gates.RequiredChecks,
			Commands:     spec.Commands,
			FailOnTodo:   spec.Policies.FailOnTodo,
		},
		invoke:       worker.Invoke,
		changedFiles: gitutil.ChangedFiles,
		diff:         gitutil.Diff,
	}
	if err := e.snapshotInputs(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) snapshotInputs() error {
	spec := e.opts.Workflow
	if err := e.store.WriteFile("task.txt", []byte(e.opts.Task+"\n")); err != nil {
		return err
	}
	src, err := os.ReadFile(spec.SourcePath)
	if err != nil {
		return err
	}
	if err := e.store.WriteFile("workflow"+filepath.Ext(spec.SourcePath), src); err != nil {
		return err
	}
	phaseIDs := make([]string, len(spec.Phases))
	for i, p := range spec.Phases {
		phaseIDs[i] = p.ID
	}
	manifest := map[string]any{
		"run_id":     e.opts.RunID,
		"workflow":   spec.SourcePath,
		"repo":       e.opts.RepoRoot,
		"task":       e.opts.Task,
		"phases":     phaseIDs,
		"limits":     spec.Limits,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	if gitutil.IsRepo(e.opts.RepoRoot) {
		if sha, err := gitutil.HeadSHA(e.opts.RepoRoot); err == nil {
			manifest["head_sha"] = sha
		}
	}
	return e.store.WriteJSON("manifest.json", manifest)
}

func (e *Engine) appendProgress(ev map[string]any) {
	ev["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = e.store.AppendLine("progress.ndjson", line)
}

func (e *Engine) notice(format string, args ...any) {
	fmt.Fprintf(e.opts.Stdout, "[ratchet] "+format+"\n", args...)
}

// RunDir returns the run's artifact directory.
func (e *Engine) RunDir() string { return e.store.Root() }

// Run executes the workflow to completion. final.json is written on every
// outcome; the typed error (if any) is returned to the caller, which owns
// the process-exit decision.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	res, err := e.run(ctx)
	final := map[string]any{
		"run_id":      e.opts.RunID,
		"finished_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		final["status"] = "failed"
		final["error"] = err.Error()
	} else {
		final["status"] = "done"
		final["total_iterations"] = res.TotalIterations
		final["phase_iterations"] = res.PhaseIterations
	}
	if werr := e.store.WriteJSON("final.json", final); werr != nil && err == nil {
		return nil, werr
	}
	return res, err
}

func (e *Engine) run(ctx context.Context) (*Result, error) {
	spec := e.opts.Workflow
	state := &runState{phaseIterations: map[string]int{}}
	cursor := 0

	for cursor < len(spec.Phases) {
		if state.totalIterations >= spec.Limits.MaxTotalIterations {
			return nil, &LimitError{Scope: "total", Limit: spec.Limits.MaxTotalIterations}
		}
		phase := spec.Phases[cursor]
		state.phaseIterations[phase.ID]++
		if state.phaseIterations[phase.ID] > spec.Limits.MaxPhaseIterations {
			return nil, &LimitError{Scope: "phase", Phase: phase.ID, Limit: spec.Limits.MaxPhaseIterations}
		}
		state.totalIterations++

		iter := state.phaseIterations[phase.ID]
		iterDir := artifact.PhaseDir(phase.ID, iter)
		e.appendProgress(map[string]any{
			"event": "phase_start",
			"phase": phase.ID,
			"iter":  iter,
			"total": state.totalIterations,
		})
		e.notice("phase %s (iteration %d)", phase.ID, iter)

		control, err := e.runWorkerStep(ctx, phase, iterDir)
		if err != nil {
			return nil, err
		}

		var changed []string
		if spec.AllowFileWrites() {
			changed, err = e.changedFiles(e.opts.RepoRoot)
			if err != nil {
				return nil, err
			}
			if err := policy.Check(e.opts.RepoRoot, changed, e.writePolicy()); err != nil {
				return nil, err
			}
		}

		if phase.ID == spec.Gates.VerifyPhase {
			passed, err := e.runGateStep(ctx, phase, iterDir, control, changed, state)
			if err != nil {
				return nil, err
			}
			if !passed {
				cursor = spec.PhaseIndex(spec.Gates.RepairPhase)
				continue
			}
		}
		cursor++
	}

	diffText, err := e.diff(e.opts.RepoRoot)
	if err != nil {
		diffText = ""
	}
	if err := e.store.WriteFile("final.diff", []byte(diffText)); err != nil {
		return nil, err
	}
	e.appendProgress(map[string]any{"event": "run_done", "total": state.totalIterations})
	e.notice("done after %d iteration(s)", state.totalIterations)

	return &Result{
		RunID:           e.opts.RunID,
		RunDir:          e.store.Root(),
		TotalIterations: state.totalIterations,
		PhaseIterations: state.phaseIterations,
		FinalDiffPath:   e.store.Path("final.diff"),
	}, nil
}

// runWorkerStep invokes the worker for one phase entry and persists the
// transcript, control object, and narration.
func (e *Engine) runWorkerStep(ctx context.Context, phase workflow.Phase, iterDir string) (map[string]any, error) {
	prompt, err := e.buildPrompt(phase)
	if err != nil {
		return nil, err
	}

	transcriptRel := filepath.Join(iterDir, "worker_output.txt")
	res, err := e.invoke(ctx, worker.Request{
		Command:    e.opts.WorkerCommand,
		Args:       e.opts.WorkerArgs,
		Prompt:     prompt,
		Dir:        e.opts.RepoRoot,
		Timeout:    e.opts.WorkerTimeout,
		OutputPath: e.store.Path(transcriptRel),
	})
	// Transcript exists on failure too; index it when it does.
	if _, statErr := os.Stat(e.store.Path(transcriptRel)); statErr == nil {
		_ = e.store.RecordExisting(transcriptRel)
	}
	if err != nil {
		return nil, err
	}

	control, err := extract.Object(res.Stdout)
	if err != nil {
		return nil, err
	}
	if err := e.schemas[phase.ID].Validate(control); err != nil {
		return nil, err
	}
	if err := e.persistControl(iterDir, control); err != nil {
		return nil, err
	}
	return control, nil
}

func (e *Engine) persistControl(iterDir string, control map[string]any) error {
	if err := e.store.WriteJSON(filepath.Join(iterDir, "control.json"), control); err != nil {
		return err
	}
	if narration, _ := control["narration"].(string); narration != "" {
		if err := e.store.WriteFile(filepath.Join(iterDir, "narration.md"), []byte(narration)); err != nil {
			return err
		}
	}
	return nil
}

// runGateStep runs the gates, rebuilds the authoritative verify control
// object from the results, and decides whether to pass or loop back.
// Reports true when all checks passed.
func (e *Engine) runGateStep(ctx context.Context, phase workflow.Phase, iterDir string, control map[string]any, changed []string, state *runState) (bool, error) {
	spec := e.opts.Workflow
	report, err := e.gates.Run(ctx, filepath.Join(iterDir, "gate_outputs"), changed)
	if err != nil {
		return false, err
	}

	// Whatever the worker claimed, the gate results are authoritative.
	evidence := map[string]any{}
	for _, c := range report.Checks {
		evidence[c.Name] = c.OutputRef
	}
	narration, _ := control["narration"].(string)
	rebuilt := map[string]any{
		"phase":      phase.ID,
		"checks":     checksAsAny(report.Checks),
		"all_passed": report.AllPassed,
		"failures":   stringsAsAny(report.Failures),
		"evidence":   evidence,
		"narration":  narration,
	}
	if err := e.schemas[phase.ID].Validate(rebuilt); err != nil {
		return false, err
	}
	if err := e.persistControl(iterDir, rebuilt); err != nil {
		return false, err
	}
	e.appendProgress(map[string]any{
		"event":      "gate_result",
		"phase":      phase.ID,
		"all_passed": report.AllPassed,
		"failures":   report.Failures,
	})

	if report.AllPassed {
		return true, nil
	}
	for _, desc := range report.Failures {
		e.notice("gate check failed: %s", desc)
	}
	if state.phaseIterations[phase.ID] >= spec.Limits.MaxPhaseIterations {
		return false, &LimitError{Scope: "phase", Phase: phase.ID, Limit: spec.Limits.MaxPhaseIterations}
	}
	return false, nil
}

func (e *Engine) writePolicy() policy.Policy {
	p := e.opts.Workflow.Policies
	return policy.Policy{
		AllowedPrefixes:   p.AllowedWritePaths,
		ForbiddenPrefixes: p.ForbidWritePaths,
		AllowedGlobs:      p.AllowedWriteGlobs,
		ForbiddenGlobs:    p.ForbidWriteGlobs,
	}
}

// runState tracks iteration counters for one run. Counters only ever
// increase.
type runState struct {
	totalIterations int
	phaseIterations map[string]int
}

func checksAsAny(checks []gate.CheckResult) []any {
	out := make([]any, len(checks))
	for i, c := range checks {
		out[i] = map[string]any{
			"name":       c.Name,
			"command":    c.Command,
			"exit_code":  c.ExitCode,
			"output_ref": c.OutputRef,
		}
	}
	return out
}

func stringsAsAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
