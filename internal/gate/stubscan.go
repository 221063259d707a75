package gate

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StubScanCheck is the name of the synthetic check appended when the
// workflow sets policies.fail_on_todo.
const StubScanCheck = "stub_scan"

var stubMarkers = []string{
	"TODO",
	"FIXME",
	"PLACEHOLDER",
	"not implemented",
	"NotImplementedError",
	"unimplemented!",
}

// runStubScan scans the changed files for stub markers. Binary and
// unreadable files are skipped; a deleted changed file simply no longer
// exists and is skipped too.
func (r *Runner) runStubScan(logDirRel string, changed []string) (CheckResult, error) {
	var log strings.Builder
	hits := 0
	for _, rel := range changed {
		abs := rel
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(r.RepoRoot, rel)
		}
		fileHits, err := scanFile(abs, rel, &log)
		if err != nil {
			continue
		}
		hits += fileHits
	}
	exitCode := 0
	if hits > 0 {
		exitCode = 1
		fmt.Fprintf(&log, "%d stub marker(s) found\n", hits)
	} else {
		log.WriteString("no stub markers found\n")
	}

	logRel := filepath.Join(logDirRel, StubScanCheck+".log")
	if err := r.Store.WriteFile(logRel, []byte(log.String())); err != nil {
		return CheckResult{}, err
	}
	return CheckResult{
		Name:      StubScanCheck,
		Command:   "(builtin stub scan)",
		ExitCode:  exitCode,
		OutputRef: filepath.ToSlash(logRel),
	}, nil
}

func scanFile(abs, rel string, log *strings.Builder) (int, error) {
	f, err := os.Open(abs)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	hits := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if strings.ContainsRune(line, '\x00') {
			// Binary file; stop scanning it.
			return hits, nil
		}
		for _, marker := range stubMarkers {
			if strings.Contains(line, marker) {
				fmt.Fprintf(log, "%s:%d: %s\n", rel, lineNo, strings.TrimSpace(line))
				hits++
				break
			}
		}
	}
	return hits, nil
}
