package artifact

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFile_AndIndex(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "run1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFile("plan/iter_1/control.json", []byte(`{"phase":"plan"}`)); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(s.Path("plan/iter_1/control.json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"phase":"plan"}` {
		t.Fatalf("content=%q", data)
	}

	entries := readIndex(t, s)
	if len(entries) != 1 {
		t.Fatalf("index entries=%d want 1", len(entries))
	}
	if entries[0]["path"] != "plan/iter_1/control.json" {
		t.Fatalf("path=%v", entries[0]["path"])
	}
	digest, _ := entries[0]["blake3"].(string)
	if len(digest) != 64 {
		t.Fatalf("digest=%q want 64 hex chars", digest)
	}
}

func TestWriteFile_OverwriteAddsSecondIndexEntry(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFile("verify/iter_1/control.json", []byte(`{"all_passed":false}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFile("verify/iter_1/control.json", []byte(`{"all_passed":true}`)); err != nil {
		t.Fatal(err)
	}
	entries := readIndex(t, s)
	if len(entries) != 2 {
		t.Fatalf("index entries=%d want 2", len(entries))
	}
	if entries[0]["blake3"] == entries[1]["blake3"] {
		t.Fatal("digests should differ after overwrite")
	}
}

func TestWriteJSON(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WriteJSON("manifest.json", map[string]any{"run_id": "abc"}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(s.Path("manifest.json"))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("manifest not valid JSON: %v", err)
	}
	if m["run_id"] != "abc" {
		t.Fatalf("run_id=%v", m["run_id"])
	}
}

func TestAppendLine(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AppendLine("progress.ndjson", []byte(`{"event":"a"}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendLine("progress.ndjson", []byte(`{"event":"b"}`)); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(s.Path("progress.ndjson"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines=%d want 2", len(lines))
	}
}

func TestPhaseDir(t *testing.T) {
	if got := PhaseDir("verify", 3); got != filepath.Join("verify", "iter_3") {
		t.Fatalf("PhaseDir=%q", got)
	}
}

func TestRecordExisting(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	abs := s.Path("plan/iter_1/worker_output.txt")
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte("transcript"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordExisting("plan/iter_1/worker_output.txt"); err != nil {
		t.Fatal(err)
	}
	entries := readIndex(t, s)
	if len(entries) != 1 || entries[0]["path"] != "plan/iter_1/worker_output.txt" {
		t.Fatalf("entries=%v", entries)
	}
}

func readIndex(t *testing.T, s *Store) []map[string]any {
	t.Helper()
	f, err := os.Open(s.Path("index.ndjson"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad index line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}
