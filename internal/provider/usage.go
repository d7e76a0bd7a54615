package provider

import (
	"net/http"
	"strconv"
	"strings"
)

// UsageFromHeaders extracts token counts from gateway response headers.
// Recognized families: x-usage-{prompt,completion,total}-tokens,
// vercel-ai-{...}-tokens, openai-{...}-tokens, and generically any header
// whose name contains "tokens" together with "prompt", "completion", or
// "total". When exactly one of prompt/completion is missing but a total is
// reported, the gap is backfilled from the total.
func UsageFromHeaders(h http.Header) (prompt, completion *int) {
	var total *int
	for name, vals := range h {
		if len(vals) == 0 {
			continue
		}
		lower := strings.ToLower(name)
		if !strings.Contains(lower, "tokens") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(vals[0]))
		if err != nil || n < 0 {
			continue
		}
		switch {
		case strings.Contains(lower, "prompt"):
			prompt = &n
		case strings.Contains(lower, "completion"):
			completion = &n
		case strings.Contains(lower, "total"):
			total = &n
		}
	}
	if total != nil {
		if prompt != nil && completion == nil {
			if d := *total - *prompt; d >= 0 {
				completion = &d
			}
		} else if completion != nil && prompt == nil {
			if d := *total - *completion; d >= 0 {
				prompt = &d
			}
		}
	}
	return prompt, completion
}
