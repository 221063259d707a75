// Package workflow loads and validates the workflow definition file: the
// ordered phase list, iteration limits, write policies, gate configuration,
// and the command table that gate checks resolve against. Both TOML and
// YAML are accepted, decoded strictly so a typo in a key is an error rather
// than a silently ignored setting.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

const (
	defaultMaxTotalIterations = 25
	defaultMaxPhaseIterations = 6
	defaultVerifyPhase        = "verify"
	defaultRepairPhase        = "implement"
)

// ConfigError reports a problem with the workflow file or its referenced
// resources. It is always fatal.
type ConfigError struct {
	File   string
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("workflow config %s: %s", e.File, e.Detail)
}

// Limits are the hard iteration ceilings for a run.
type Limits struct {
	MaxTotalIterations int `toml:"max_total_iterations" yaml:"max_total_iterations"`
	MaxPhaseIterations int `toml:"max_phase_iterations" yaml:"max_phase_iterations"`
}

// Policies govern what the worker may do to the repository.
type Policies struct {
	// AllowFileWrites defaults to true; explicit false disables both the
	// changed-file enumeration and the write-policy check.
	AllowFileWrites   *bool    `toml:"allow_file_writes" yaml:"allow_file_writes"`
	AllowedWritePaths []string `toml:"allowed_write_paths" yaml:"allowed_write_paths"`
	ForbidWritePaths  []string `toml:"forbid_write_paths" yaml:"forbid_write_paths"`
	AllowedWriteGlobs []string `toml:"allowed_write_globs" yaml:"allowed_write_globs"`
	ForbidWriteGlobs  []string `toml:"forbid_write_globs" yaml:"forbid_write_globs"`
	FailOnTodo        bool     `toml:"fail_on_todo" yaml:"fail_on_todo"`
}

// Gates configure the verify phase: which checks must pass and which
// phases play the verify and repair roles.
type Gates struct {
	RequiredChecks []string `toml:"required_checks" yaml:"required_checks"`
	VerifyPhase    string   `toml:"verify_phase" yaml:"verify_phase"`
	RepairPhase    string   `toml:"repair_phase" yaml:"repair_phase"`
}

// Phase is one step of the workflow. SchemaPath is resolved relative to
// the workflow file's directory.
type Phase struct {
	ID         string `toml:"id" yaml:"id"`
	SchemaPath string `toml:"required_outputs_schema" yaml:"required_outputs_schema"`
}

// Spec is the parsed workflow definition. Immutable after Load.
type Spec struct {
	Version  int               `toml:"version" yaml:"version"`
	Name     string            `toml:"name" yaml:"name"`
	Limits   Limits            `toml:"limits" yaml:"limits"`
	Policies Policies          `toml:"policies" yaml:"policies"`
	Gates    Gates             `toml:"gates" yaml:"gates"`
	Commands map[string]string `toml:"commands" yaml:"commands"`
	Phases   []Phase           `toml:"phases" yaml:"phases"`

	// Dir is the directory containing the workflow file; schema and prompt
	// paths resolve against it.
	Dir        string `toml:"-" yaml:"-"`
	SourcePath string `toml:"-" yaml:"-"`
}

// Load reads, decodes, defaults, and validates a workflow file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{File: path, Detail: err.Error()}
	}
	var spec Spec
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), &spec)
		if err != nil {
			return nil, &ConfigError{File: path, Detail: err.Error()}
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, &ConfigError{File: path, Detail: fmt.Sprintf("unknown key %s", undecoded[0])}
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(&spec); err != nil {
			return nil, &ConfigError{File: path, Detail: err.Error()}
		}
	default:
		return nil, &ConfigError{File: path, Detail: "unsupported extension, want .toml or .yaml"}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &ConfigError{File: path, Detail: err.Error()}
	}
	spec.SourcePath = abs
	spec.Dir = filepath.Dir(abs)
	spec.applyDefaults()
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (s *Spec) applyDefaults() {
	if s.Limits.MaxTotalIterations <= 0 {
		s.Limits.MaxTotalIterations = defaultMaxTotalIterations
	}
	if s.Limits.MaxPhaseIterations <= 0 {
		s.Limits.MaxPhaseIterations = defaultMaxPhaseIterations
	}
	if s.Gates.VerifyPhase == "" {
		s.Gates.VerifyPhase = defaultVerifyPhase
	}
	if s.Gates.RepairPhase == "" {
		s.Gates.RepairPhase = defaultRepairPhase
	}
	if s.Policies.AllowFileWrites == nil {
		allow := true
		s.Policies.AllowFileWrites = &allow
	}
}

func (s *Spec) validate() error {
	fail := func(format string, args ...any) error {
		return &ConfigError{File: s.SourcePath, Detail: fmt.Sprintf(format, args...)}
	}
	if len(s.Phases) == 0 {
		return fail("no phases defined")
	}
	seen := map[string]bool{}
	for i, p := range s.Phases {
		if p.ID == "" {
			return fail("phase %d has no id", i)
		}
		if seen[p.ID] {
			return fail("duplicate phase id %q", p.ID)
		}
		seen[p.ID] = true
		if p.SchemaPath == "" {
			return fail("phase %q has no required_outputs_schema", p.ID)
		}
	}
	if seen[s.Gates.VerifyPhase] && !seen[s.Gates.RepairPhase] {
		return fail("repair phase %q is not a defined phase", s.Gates.RepairPhase)
	}
	for _, name := range s.Gates.RequiredChecks {
		if _, ok := s.Commands[name]; !ok {
			return fail("required check %q has no command", name)
		}
	}
	for _, g := range append(append([]string{}, s.Policies.AllowedWriteGlobs...), s.Policies.ForbidWriteGlobs...) {
		if !doublestar.ValidatePattern(g) {
			return fail("invalid glob pattern %q", g)
		}
	}
	return nil
}

// PhaseByID returns the phase with the given id, if defined.
func (s *Spec) PhaseByID(id string) (Phase, bool) {
	for _, p := range s.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return Phase{}, false
}

// PhaseIndex returns the position of the phase with the given id, or -1.
func (s *Spec) PhaseIndex(id string) int {
	for i, p := range s.Phases {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// AllowFileWrites reports the effective write switch.
func (s *Spec) AllowFileWrites() bool {
	return s.Policies.AllowFileWrites == nil || *s.Policies.AllowFileWrites
}

// SchemaFile resolves a phase's schema path against the workflow dir.
func (s *Spec) SchemaFile(p Phase) string {
	if filepath.IsAbs(p.SchemaPath) {
		return p.SchemaPath
	}
	return filepath.Join(s.Dir, p.SchemaPath)
}

// PromptFile returns the path of the per-phase prompt document.
func (s *Spec) PromptFile(id string) string {
	return filepath.Join(s.Dir, "phase_"+id+".md")
}

// SystemFile returns the path of the shared system prompt document.
func (s *Spec) SystemFile() string {
	return filepath.Join(s.Dir, "system.md")
}
