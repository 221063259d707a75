// Package artifact owns the run directory. Every artifact is written
// atomically (temp file plus rename) and its blake3 digest is appended to
// index.ndjson, so a finished run directory doubles as an audit trail:
// the index proves which bytes each phase produced.
package artifact

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
)

const indexFile = "index.ndjson"

// Store writes artifacts under a single run directory.
type Store struct {
	root string
}

// NewStore creates the run directory (and parents) and returns a store
// rooted there.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the absolute run directory path.
func (s *Store) Root() string { return s.root }

// Path resolves a run-relative artifact path.
func (s *Store) Path(rel string) string { return filepath.Join(s.root, rel) }

// PhaseDir returns the run-relative directory for one phase iteration.
// Iterations are 1-based.
func PhaseDir(phase string, iter int) string {
	return filepath.Join(phase, fmt.Sprintf("iter_%d", iter))
}

// WriteFile writes an artifact atomically and records its digest.
// Overwriting an existing artifact is allowed; the index then carries one
// entry per write, in order.
func (s *Store) WriteFile(rel string, data []byte) error {
	abs := s.Path(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".tmp-*")
	if err != nil {
		return fmt.Errorf("write artifact %s: %w", rel, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write artifact %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write artifact %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write artifact %s: %w", rel, err)
	}
	return s.recordDigest(rel, data)
}

// WriteJSON marshals v with indentation and writes it as an artifact.
func (s *Store) WriteJSON(rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rel, err)
	}
	return s.WriteFile(rel, append(data, '\n'))
}

// AppendLine appends one line to an append-only stream such as
// progress.ndjson. Streams are not digest-indexed; they grow throughout
// the run.
func (s *Store) AppendLine(rel string, line []byte) error {
	abs := s.Path(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("append %s: %w", rel, err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append %s: %w", rel, err)
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("append %s: %w", rel, err)
		}
	}
	return nil
}

// RecordExisting indexes a file that was written outside the store, for
// example a transcript persisted by the worker invoker.
func (s *Store) RecordExisting(rel string) error {
	data, err := os.ReadFile(s.Path(rel))
	if err != nil {
		return fmt.Errorf("index artifact %s: %w", rel, err)
	}
	return s.recordDigest(rel, data)
}

func (s *Store) recordDigest(rel string, data []byte) error {
	sum := blake3.Sum256(data)
	entry := map[string]any{
		"path":   filepath.ToSlash(rel),
		"blake3": hex.EncodeToString(sum[:]),
		"bytes":  len(data),
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.AppendLine(indexFile, line)
}
