// Package policy enforces the workflow's file-write policy against the set
// of paths the worker changed. Rules come in two shapes: path prefixes and
// doublestar globs. A forbidden match always wins over an allowed one, and
// an empty allow-set places no restriction of its own.
package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Policy is the write policy extracted from the workflow file.
type Policy struct {
	AllowedPrefixes   []string
	ForbiddenPrefixes []string
	AllowedGlobs      []string
	ForbiddenGlobs    []string
}

// Violation reports a changed path that the policy rejects. Rule names the
// matching rule, or "not in allowed set" when no allow rule matched.
type Violation struct {
	Path string
	Rule string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("write policy violation: %s (%s)", v.Path, v.Rule)
}

// Check evaluates every changed path against the policy. Paths are made
// relative to repoRoot and normalized to forward slashes before matching.
// The first rejected path is returned as a *Violation.
func Check(repoRoot string, changed []string, p Policy) error {
	for _, c := range changed {
		rel, err := normalize(repoRoot, c)
		if err != nil {
			return err
		}
		if err := checkPath(rel, p); err != nil {
			return err
		}
	}
	return nil
}

func normalize(repoRoot, path string) (string, error) {
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(repoRoot, path)
		if err != nil {
			return "", fmt.Errorf("relativize %s: %w", path, err)
		}
		path = rel
	}
	return filepath.ToSlash(path), nil
}

func checkPath(rel string, p Policy) error {
	for _, pre := range p.ForbiddenPrefixes {
		if hasPathPrefix(rel, pre) {
			return &Violation{Path: rel, Rule: "forbidden prefix " + pre}
		}
	}
	for _, g := range p.ForbiddenGlobs {
		if ok, err := doublestar.Match(g, rel); err != nil {
			return fmt.Errorf("bad forbidden glob %q: %w", g, err)
		} else if ok {
			return &Violation{Path: rel, Rule: "forbidden glob " + g}
		}
	}
	if len(p.AllowedPrefixes) == 0 && len(p.AllowedGlobs) == 0 {
		return nil
	}
	for _, pre := range p.AllowedPrefixes {
		if hasPathPrefix(rel, pre) {
			return nil
		}
	}
	for _, g := range p.AllowedGlobs {
		if ok, err := doublestar.Match(g, rel); err != nil {
			return fmt.Errorf("bad allowed glob %q: %w", g, err)
		} else if ok {
			return nil
		}
	}
	return &Violation{Path: rel, Rule: "not in allowed set"}
}

// hasPathPrefix is plain string-prefix matching on the normalized relative
// path, so the prefix "secrets" covers "secrets/key.pem" and "secrets.txt"
// alike.
func hasPathPrefix(rel, prefix string) bool {
	return strings.HasPrefix(rel, filepath.ToSlash(prefix))
}
