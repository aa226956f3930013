package services

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError is raised only after repair is exhausted. Diagnostic carries a
// truncated head/tail of the offending text for operator debugging; it is
// never shown verbatim to end users.
type ParseError struct {
	Reason     string
	Diagnostic string
	Err        error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("structured output parse failed: %s", e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseStructured parses provider output into v, attempting a best-effort
// repair of truncated output before giving up. The repair targets documents
// that are a well-formed prefix of a valid document (output cut off by a
// length limit); it cannot recover mid-value corruption.
func ParseStructured(raw string, v interface{}) error {
	candidate := stripWrappers(raw)

	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}

	// Narrow to the first opening brace through end-of-text, then force
	// close whatever truncation left open.
	candidate = fromFirstBrace(candidate)
	if candidate == "" {
		return &ParseError{
			Reason:     "no structured document found in output",
			Diagnostic: diagnostic(raw),
		}
	}

	repaired := RepairTruncated(candidate)
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return &ParseError{
			Reason:     "repair exhausted",
			Diagnostic: diagnostic(raw),
			Err:        err,
		}
	}
	return nil
}

// RepairTruncated scans the candidate tracking string-literal state (honoring
// escapes) and a stack of unmatched '{' and '[' openers, then appends the
// missing closers in reverse nesting order. String state is tracked only so
// braces inside literals are not counted; a document truncated mid-string is
// not repairable and is left for the caller's ParseError. Running this on a
// balanced document returns it unchanged.
func RepairTruncated(candidate string) string {
	var (
		inString bool
		escaped  bool
		stack    []byte
	)

	for _, r := range candidate {
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch r {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == byte(r) {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if len(stack) == 0 {
		return candidate
	}

	var b strings.Builder
	b.WriteString(candidate)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// stripWrappers removes fenced code block delimiters the model sometimes
// wraps around structured output.
func stripWrappers(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// fromFirstBrace slices from the first opening brace or bracket to the end.
func fromFirstBrace(s string) string {
	brace := strings.IndexByte(s, '{')
	brack := strings.IndexByte(s, '[')
	switch {
	case brace < 0 && brack < 0:
		return ""
	case brace < 0:
		return s[brack:]
	case brack < 0 || brace < brack:
		return s[brace:]
	default:
		return s[brack:]
	}
}

// diagnosticExcerptLimit bounds the diagnostic copy folded into persisted
// error messages.
const diagnosticExcerptLimit = 300

// diagnostic keeps the first and last few hundred characters of the raw text.
func diagnostic(raw string) string {
	const edge = 300
	if len(raw) <= 2*edge {
		return raw
	}
	return raw[:edge] + " ... " + raw[len(raw)-edge:]
}
