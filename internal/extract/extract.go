// Package extract pulls the answer and sources out of a reply that is
// streamed as a JSON object {"answer": "...", "sources": "..."}.
//
// Extraction is stateless. Every call re-parses the whole buffer received so
// far, so intermediate buffers that are not valid JSON are expected and never
// cause an error.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	completePattern = regexp.MustCompile(`"answer"\s*:\s*"([\s\S]*?)"\s*,\s*"sources"\s*:\s*"([\s\S]*?)"`)
	partialPattern  = regexp.MustCompile(`"answer"\s*:\s*"([\s\S]*)`)
)

// Result is the best-effort content of a reply buffer.
type Result struct {
	Answer  string `json:"answer"`
	Sources string `json:"sources"`
}

// Extract returns the answer and sources found in text. Both are empty when
// nothing resolvable has arrived yet.
func Extract(text string) Result {
	if m := completePattern.FindStringSubmatch(text); m != nil {
		return Result{Answer: unescape(m[1]), Sources: unescape(m[2])}
	}

	m := partialPattern.FindStringSubmatch(text)
	if m == nil {
		return Result{}
	}
	answer := m[1]
	if i := strings.IndexByte(answer, '"'); i >= 0 {
		// answer is closed, sources has not arrived yet
		answer = answer[:i]
	} else {
		answer = trimDanglingEscape(answer)
	}
	return Result{Answer: unescape(answer)}
}

// Final parses a complete reply buffer. It decodes text as JSON and falls
// back to Extract when the buffer is not a valid object.
func Final(text string) Result {
	var payload struct {
		Answer  *string `json:"answer"`
		Sources *string `json:"sources"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &payload); err != nil {
		return Extract(text)
	}
	var r Result
	if payload.Answer != nil {
		r.Answer = unescape(*payload.Answer)
	}
	if payload.Sources != nil {
		r.Sources = unescape(*payload.Sources)
	}
	return r
}

func unescape(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}

// trimDanglingEscape drops a trailing backslash that starts an escape
// sequence whose second half is still in flight.
func trimDanglingEscape(s string) string {
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == '\\'; i-- {
		n++
	}
	if n%2 == 1 {
		return s[:len(s)-1]
	}
	return s
}
