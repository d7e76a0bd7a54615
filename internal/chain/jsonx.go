package chain

import (
	"github.com/tidwall/gjson"

	pilot "github.com/routepilot/routepilot/internal"
)

// lastJSONObject extracts the last balanced, valid JSON object from s.
// Models wrap output in prose or code fences often enough that taking the
// final parseable object is the robust choice. Fails with ErrNoOutput when
// nothing parses.
func lastJSONObject(s string) (string, error) {
	var candidates []string

	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
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
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidates = append(candidates, s[start:i+1])
					start = -1
				}
			}
		}
	}

	for i := len(candidates) - 1; i >= 0; i-- {
		if gjson.Valid(candidates[i]) {
			return candidates[i], nil
		}
	}
	return "", pilot.ErrNoOutput
}
