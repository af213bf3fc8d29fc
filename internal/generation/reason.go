package generation

import "strings"

// Failure reasons shown on cards.
const (
	ReasonQuota            = "Quota exceeded"
	ReasonPolicy           = "Content policy violation"
	ReasonTimeout          = "Timeout"
	ReasonUnknown          = "Video generation failed"
	ReasonTimedOut         = "Video generation timed out"
	ReasonNoOperation      = "No operation was created"
	ReasonMissingOperation = "Operation id never assigned"
	ReasonIndexOutOfBounds = "Operation index out of bounds"
	ReasonNoURL            = "Completed without a video URL"

	maxReasonLen = 80
)

var reasonBuckets = []struct {
	reason   string
	keywords []string
}{
	{ReasonQuota, []string{"quota", "limit", "resource_exhausted", "resource exhausted", "too many requests", "http 429"}},
	{ReasonPolicy, []string{"policy", "content", "safety", "blocked", "prohibited", "responsible ai"}},
	{ReasonTimeout, []string{"timeout", "timed out", "deadline"}},
}

// ClassifyFailure maps a backend error message to a short card reason.
// Unrecognized messages are kept, truncated.
func ClassifyFailure(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return ReasonUnknown
	}
	lower := strings.ToLower(msg)
	for _, b := range reasonBuckets {
		for _, kw := range b.keywords {
			if strings.Contains(lower, kw) {
				return b.reason
			}
		}
	}
	runes := []rune(msg)
	if len(runes) > maxReasonLen {
		return string(runes[:maxReasonLen])
	}
	return msg
}
