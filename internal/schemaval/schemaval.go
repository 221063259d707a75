// Package schemaval compiles JSON Schema documents and validates worker
// control objects against them. Validation never short-circuits: every
// violation is collected and reported in a stable order so that repeated
// runs over the same bad input produce identical diagnostics.
package schemaval

import (
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Violation is a single schema violation at a specific location in the
// candidate document.
type Violation struct {
	// InstancePath is a JSON Pointer into the candidate document.
	// Empty means the document root.
	InstancePath string
	// KeywordPath locates the schema keyword that was violated.
	KeywordPath string
	Message     string
}

// ValidationError carries the full, sorted violation list for a rejected
// control object.
type ValidationError struct {
	SchemaPath string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "control object failed schema validation (%s):", e.SchemaPath)
	max := len(e.Violations)
	if max > 20 {
		max = 20
	}
	for _, v := range e.Violations[:max] {
		loc := v.InstancePath
		if loc == "" {
			loc = "<root>"
		}
		fmt.Fprintf(&b, "\n - %s: %s", loc, v.Message)
	}
	if len(e.Violations) > max {
		fmt.Fprintf(&b, "\n - (%d more)", len(e.Violations)-max)
	}
	return b.String()
}

// Schema is a compiled phase schema.
type Schema struct {
	path     string
	compiled *jsonschema.Schema
}

// Compile loads and compiles the schema document at path. Draft 2020-12 is
// assumed when the document does not declare $schema.
func Compile(path string) (*Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	s, err := c.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", path, err)
	}
	return &Schema{path: path, compiled: s}, nil
}

// Path returns the file path the schema was compiled from.
func (s *Schema) Path() string { return s.path }

// Validate checks doc against the schema. It returns nil when the document
// conforms and a *ValidationError listing all violations otherwise.
func (s *Schema) Validate(doc any) error {
	err := s.compiled.Validate(doc)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return fmt.Errorf("validate against %s: %w", s.path, err)
	}
	violations := flatten(ve)
	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].InstancePath != violations[j].InstancePath {
			return violations[i].InstancePath < violations[j].InstancePath
		}
		if violations[i].KeywordPath != violations[j].KeywordPath {
			return violations[i].KeywordPath < violations[j].KeywordPath
		}
		return violations[i].Message < violations[j].Message
	})
	return &ValidationError{SchemaPath: s.path, Violations: violations}
}

// flatten walks the cause tree and returns the leaf violations, which carry
// the most specific locations and messages.
func flatten(ve *jsonschema.ValidationError) []Violation {
	if len(ve.Causes) == 0 {
		return []Violation{{
			InstancePath: ve.InstanceLocation,
			KeywordPath:  ve.KeywordLocation,
			Message:      ve.Message,
		}}
	}
	var out []Violation
	for _, c := range ve.Causes {
		out = append(out, flatten(c)...)
	}
	return out
}
