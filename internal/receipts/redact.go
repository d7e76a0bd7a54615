package receipts

import (
	"regexp"
	"slices"
)

// Redaction runs before signing, so signatures commit to the scrubbed
// payload. Both passes are deterministic and idempotent: the replacement
// tokens never match the patterns that produced them.
var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{6,}\d`)
)

const (
	redactedEmail = "[redacted-email]"
	redactedPhone = "[redacted-phone]"
	redactedField = "[redacted]"
)

// scrubMeta recursively scrubs free text inside meta. Keys listed in
// blockKeys are replaced wholesale with "[redacted]".
func scrubMeta(meta map[string]any, blockKeys []string) {
	for k, v := range meta {
		if slices.Contains(blockKeys, k) {
			meta[k] = redactedField
			continue
		}
		meta[k] = scrubValue(v)
	}
}

func scrubValue(v any) any {
	switch val := v.(type) {
	case string:
		return scrubString(val)
	case map[string]any:
		for k, inner := range val {
			val[k] = scrubValue(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = scrubValue(inner)
		}
		return val
	default:
		return v
	}
}

func scrubString(s string) string {
	s = emailPattern.ReplaceAllString(s, redactedEmail)
	return phonePattern.ReplaceAllString(s, redactedPhone)
}
