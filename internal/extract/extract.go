// Package extract recovers a single JSON object from free-form worker
// output. Workers are instructed to print bare JSON, but in practice they
// wrap it in markdown fences or surround it with prose, so extraction is
// two-tier: fenced code blocks first, then a raw balanced-brace scan over
// the whole text. In both tiers the first candidate that parses as a JSON
// object wins.
package extract

import (
	"encoding/json"
	"regexp"
)

// Error reports that no parsable JSON object could be recovered from the
// worker's output.
type Error struct {
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return "no JSON object found in output: " + e.Detail
	}
	return "no JSON object found in output"
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Object extracts the first JSON object embedded in text.
func Object(text string) (map[string]any, error) {
	// Tier 1: markdown code fences, optionally tagged as json.
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(m[1]), &obj); err == nil {
			return obj, nil
		}
	}

	// Tier 2: scan for balanced brace regions in the raw text.
	var lastParseErr error
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		cand, ok := balancedAt(text, start)
		if !ok {
			// No balanced region starts here (or anywhere later that
			// this region would have enclosed); try the next brace.
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(cand), &obj); err == nil {
			return obj, nil
		} else {
			lastParseErr = err
		}
	}

	if lastParseErr != nil {
		return nil, &Error{Detail: lastParseErr.Error()}
	}
	return nil, &Error{}
}

// balancedAt returns the brace-balanced region starting at text[i], which
// must be '{'. String literals and escapes are respected so braces inside
// JSON strings do not affect the depth count.
func balancedAt(text string, i int) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for j := i; j < len(text); j++ {
		c := text[j]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[i : j+1], true
			}
		}
	}
	return "", false
}
