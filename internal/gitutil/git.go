// Package gitutil wraps the git CLI for the two observations the engine
// needs: which files the worker changed and what the current diff looks
// like. Untracked files count as changes, since workers create new files
// at least as often as they edit existing ones.
package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(dir string, args ...string) (string, string, error) {
	// Disable Git's background auto-maintenance so runs stay deterministic
	// and no helper processes outlive the orchestrator.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ChangedFiles lists repo-relative paths that differ from HEAD, including
// staged, unstaged, and untracked files. The result is sorted and
// deduplicated.
func ChangedFiles(dir string) ([]string, error) {
	if !IsRepo(dir) {
		return nil, fmt.Errorf("%s is not inside a git work tree", dir)
	}
	seen := map[string]bool{}
	tracked, _, err := runGit(dir, "diff", "--name-only", "HEAD")
	if err != nil {
		// HEAD does not resolve in a repo with no commits yet; fall back
		// to listing everything as untracked below.
		tracked = ""
	}
	for _, line := range splitLines(tracked) {
		seen[line] = true
	}
	untracked, _, err := runGit(dir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	for _, line := range splitLines(untracked) {
		seen[line] = true
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// Diff returns the textual diff against HEAD, covering both staged and
// unstaged changes.
func Diff(dir string) (string, error) {
	if !IsRepo(dir) {
		return "", fmt.Errorf("%s is not inside a git work tree", dir)
	}
	unstaged, _, err := runGit(dir, "diff", "HEAD")
	if err != nil {
		// No commits yet.
		return "", nil
	}
	return unstaged, nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
