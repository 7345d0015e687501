package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Oracle is the advisory collaborator consulted when triggers fire and no
// circuit breaker applies.
type Oracle interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractAction pulls exactly one action object out of the oracle's free
// text: a fenced JSON block if present, otherwise the first brace-balanced
// substring. Missing or malformed output is an error; the caller degrades to
// hold.
func ExtractAction(content string) (*Action, error) {
	candidate := ""
	if m := fencedJSON.FindStringSubmatch(content); m != nil {
		candidate = m[1]
	} else {
		candidate = firstBalancedObject(content)
	}
	if candidate == "" {
		return nil, fmt.Errorf("no JSON object in oracle output")
	}

	var action Action
	if err := json.Unmarshal([]byte(candidate), &action); err != nil {
		return nil, fmt.Errorf("failed to decode oracle action: %w", err)
	}
	if strings.TrimSpace(action.Kind) == "" {
		return nil, fmt.Errorf("oracle action missing kind")
	}
	return &action, nil
}

// firstBalancedObject scans for the first brace-balanced JSON substring,
// ignoring braces inside string literals.
func firstBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
				return s[start : i+1]
			}
		}
	}
	return ""
}
