// Package pipeline holds the AI-backed stages of the documentation pipeline:
// readability review, fix proposal and feedback resolution. Each stage owns
// its prompt and parses the model's reply into typed results; none of them
// touch the session store or the sandbox.
package pipeline

import (
	"fmt"
	"strings"
)

// Stage is a named AI step.
type Stage interface {
	Name() string
}

// extractJSON pulls the first JSON array or object out of an LLM reply,
// tolerating markdown fences and surrounding prose.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.Index(rest, "\n"); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return s
	}
	closer := byte(']')
	if s[start] == '{' {
		closer = '}'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}

// numberLines prefixes each line with its 1-based number.
func numberLines(content string) string {
	lines := strings.Split(content, "\n")
	var b strings.Builder
	for i, l := range lines {
		fmt.Fprintf(&b, "%d: %s\n", i+1, l)
	}
	return b.String()
}

// LineOf returns the 1-based line on which byte offset off falls.
func LineOf(content string, off int) int {
	if off < 0 {
		return 0
	}
	if off > len(content) {
		off = len(content)
	}
	return strings.Count(content[:off], "\n") + 1
}
