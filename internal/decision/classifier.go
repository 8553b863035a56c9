package decision

import (
	"strings"
	"time"
)

// Recovery classifies one terminal failure.
type Recovery struct {
	Recoverable bool
	Backoff     time.Duration
	Confidence  float64
	Reason      string
}

const (
	networkBackoff   = 300 * time.Second
	rateLimitBackoff = 900 * time.Second
)

// Classify matches the failure text against known transient patterns. Rate
// limits win over network patterns when both appear, since their backoff is
// longer. Agents can make the match exact by returning
// engine.ExecutionError, whose code leads the text.
func Classify(errText string) Recovery {
	t := strings.ToLower(errText)
	switch {
	case containsAny(t,
		"rate limit", "rate-limit", "ratelimit",
		"too many requests", "429",
	):
		return Recovery{Recoverable: true, Backoff: rateLimitBackoff, Confidence: 0.9, Reason: "rate limited"}
	case containsAny(t,
		"timeout", "timed out", "deadline exceeded",
		"connection refused", "connection reset", "broken pipe",
		"network", "no such host", "unreachable",
		"temporarily unavailable", "eof", "502", "503",
	):
		return Recovery{Recoverable: true, Backoff: networkBackoff, Confidence: 0.85, Reason: "transient network failure"}
	default:
		return Recovery{Reason: "unrecognized failure"}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
