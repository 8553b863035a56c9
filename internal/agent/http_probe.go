package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProbe is a builtin agent that performs a single HTTP request and
// reports status and latency. Intended for scheduled availability checks.
//
// Per-task config keys:
//   - "url": required
//   - "method": default "GET"
//   - "expect_status": default 200 (JSON numbers arrive as float64)
//   - "timeout": Go duration string, capped by the execution deadline
type HTTPProbe struct {
	client *http.Client
}

// NewHTTPProbe builds a probe agent with a dedicated client. A nil transport
// uses http.DefaultTransport.
func NewHTTPProbe(rt http.RoundTripper) *HTTPProbe {
	return &HTTPProbe{client: &http.Client{Transport: rt}}
}

func (p *HTTPProbe) Invoke(ctx context.Context, inv Invocation) (any, error) {
	rawURL, _ := inv.Config["url"].(string)
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("http_probe: config.url required")
	}

	method := http.MethodGet
	if m, ok := inv.Config["method"].(string); ok && strings.TrimSpace(m) != "" {
		method = strings.ToUpper(strings.TrimSpace(m))
	}

	expect := http.StatusOK
	switch v := inv.Config["expect_status"].(type) {
	case float64:
		expect = int(v)
	case int:
		expect = v
	}

	if raw, ok := inv.Config["timeout"].(string); ok && raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("http_probe: %w", err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		// Keep "timeout" in the text where applicable so the failure
		// classifier treats deadline errors as recoverable.
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("http_probe: request timeout after %s: %w", elapsed.Round(time.Millisecond), err)
		}
		return nil, fmt.Errorf("http_probe: network error: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	result := map[string]any{
		"url":        rawURL,
		"status":     resp.StatusCode,
		"latency_ms": elapsed.Milliseconds(),
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return result, fmt.Errorf("http_probe: rate limited by %s (status 429)", rawURL)
	}
	if resp.StatusCode != expect {
		return result, fmt.Errorf("http_probe: unexpected status %d (want %d) from %s", resp.StatusCode, expect, rawURL)
	}
	return result, nil
}
