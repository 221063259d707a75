package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ratchetlabs/ratchet/internal/workflow"
)

// buildPrompt assembles the worker prompt for one phase entry: the shared
// system document, the repo's AGENTS.md when present, the per-phase
// document, the task, the current diff, the required output schema, and a
// fixed response-format footer.
func (e *Engine) buildPrompt(phase workflow.Phase) (string, error) {
	spec := e.opts.Workflow
	var b strings.Builder

	if body, ok := readOptional(spec.SystemFile()); ok {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	if body, ok := readOptional(filepath.Join(e.opts.RepoRoot, "AGENTS.md")); ok {
		b.WriteString("# REPO GUIDANCE\n\n")
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	if body, ok := readOptional(spec.PromptFile(phase.ID)); ok {
		b.WriteString(body)
		b.WriteString("\n\n")
	} else {
		fmt.Fprintf(&b, "You are in the %q phase of an automated code workflow.\n\n", phase.ID)
	}

	b.WriteString("# TASK\n\n")
	b.WriteString(strings.TrimSpace(e.opts.Task))
	b.WriteString("\n\n")

	b.WriteString("# CURRENT_GIT_DIFF\n\n")
	diffText := ""
	if spec.AllowFileWrites() {
		if d, err := e.diff(e.opts.RepoRoot); err == nil {
			diffText = strings.TrimSpace(d)
		}
	}
	if diffText == "" {
		b.WriteString("<none>\n\n")
	} else {
		b.WriteString("```diff\n")
		b.WriteString(diffText)
		b.WriteString("\n```\n\n")
	}

	schemaBody, err := os.ReadFile(spec.SchemaFile(phase))
	if err != nil {
		return "", &workflow.ConfigError{File: spec.SourcePath, Detail: err.Error()}
	}
	b.WriteString("# REQUIRED_OUTPUT_SCHEMA\n\n")
	b.WriteString("```json\n")
	b.WriteString(strings.TrimSpace(string(schemaBody)))
	b.WriteString("\n```\n\n")

	b.WriteString("# RESPONSE FORMAT\n\n")
	b.WriteString("Do the phase's work, then print exactly one JSON object conforming to the schema above, inside a ```json code fence. Print nothing after the closing fence.\n")

	return b.String(), nil
}

func readOptional(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	body := strings.TrimSpace(string(data))
	if body == "" {
		return "", false
	}
	return body, true
}
