// Command ratchet drives schema-checked, gate-verified code-change
// workflows with an external worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ratchetlabs/ratchet/internal/engine"
	"github.com/ratchetlabs/ratchet/internal/schemaval"
	"github.com/ratchetlabs/ratchet/internal/workflow"
)

func main() {
	root := &cobra.Command{
		Use:           "ratchet",
		Short:         "Phase-based orchestrator for LLM code workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ratchet: %v\n", err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var (
		workflowPath string
		repoRoot     string
		task         string
		workerCmd    string
		workerArgs   []string
		timeout      time.Duration
		runID        string
		runsRoot     string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow against a repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := workflow.Load(workflowPath)
			if err != nil {
				return err
			}
			eng, err := engine.New(engine.RunOptions{
				Workflow:      spec,
				RepoRoot:      repoRoot,
				Task:          task,
				RunID:         runID,
				RunsRoot:      runsRoot,
				WorkerCommand: workerCmd,
				WorkerArgs:    workerArgs,
				WorkerTimeout: timeout,
				Stdout:        cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := eng.Run(ctx)
			if err != nil {
				return fmt.Errorf("%w (run artifacts: %s)", err, eng.RunDir())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s finished: %s\n", res.RunID, res.RunDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowPath, "workflow", "", "path to the workflow file (.toml or .yaml)")
	cmd.Flags().StringVar(&repoRoot, "repo", ".", "repository root the worker operates on")
	cmd.Flags().StringVar(&task, "task", "", "task statement handed to the worker")
	cmd.Flags().StringVar(&workerCmd, "worker", "", "worker command (default claude)")
	cmd.Flags().StringSliceVar(&workerArgs, "worker-args", nil, "worker arguments (default -p)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-invocation worker timeout (default 10m)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default generated ULID)")
	cmd.Flags().StringVar(&runsRoot, "runs-root", "", "directory for run artifacts (default <workflow dir>/runs)")
	_ = cmd.MarkFlagRequired("workflow")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var workflowPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a workflow file, its schemas, and its gate commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := workflow.Load(workflowPath)
			if err != nil {
				return err
			}
			for _, p := range spec.Phases {
				if _, err := schemaval.Compile(spec.SchemaFile(p)); err != nil {
					return &workflow.ConfigError{File: spec.SourcePath, Detail: err.Error()}
				}
			}
			for _, name := range spec.Gates.RequiredChecks {
				if _, ok := spec.Commands[name]; !ok {
					return &workflow.ConfigError{
						File:   spec.SourcePath,
						Detail: fmt.Sprintf("required check %q has no command", name),
					}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d phase(s), %d gate check(s), ok\n",
				spec.SourcePath, len(spec.Phases), len(spec.Gates.RequiredChecks))
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowPath, "workflow", "", "path to the workflow file (.toml or .yaml)")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}
