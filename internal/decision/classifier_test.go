package decision

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name        string
		err         string
		recoverable bool
		backoff     time.Duration
	}{
		{"io timeout", "dial tcp 10.0.0.1:443: i/o timeout", true, 300 * time.Second},
		{"engine deadline", "timeout after 30s: context deadline exceeded", true, 300 * time.Second},
		{"refused", "connection refused", true, 300 * time.Second},
		{"dns", "lookup api.example.com: no such host", true, 300 * time.Second},
		{"tagged network", "network: socket closed", true, 300 * time.Second},
		{"gateway", "unexpected status 502 Bad Gateway", true, 300 * time.Second},
		{"http 429", "unexpected status 429 Too Many Requests", true, 900 * time.Second},
		{"rate limit prose", "rate limit exceeded, retry later", true, 900 * time.Second},
		{"tagged ratelimit", "ratelimit: upstream throttled", true, 900 * time.Second},
		{"rate limit wins over network", "rate limit hit: connection reset by peer", true, 900 * time.Second},
		{"permanent", "invalid credentials", false, 0},
		{"validation", "schema validation failed: missing field sku", false, 0},
		{"empty", "", false, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := Classify(tc.err)
			if rec.Recoverable != tc.recoverable {
				t.Fatalf("recoverable: want %v, got %+v", tc.recoverable, rec)
			}
			if rec.Backoff != tc.backoff {
				t.Fatalf("backoff: want %v, got %+v", tc.backoff, rec)
			}
			// Recoveries must clear the default auto-apply gate; otherwise a
			// recoverable failure would never be rescheduled.
			if rec.Recoverable && rec.Confidence < 0.8 {
				t.Fatalf("recoverable classification below the apply gate: %+v", rec)
			}
			if !rec.Recoverable && rec.Confidence != 0 {
				t.Fatalf("non-recoverable classification carries confidence: %+v", rec)
			}
		})
	}
}
