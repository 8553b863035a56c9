package agent

import (
	"context"
	"time"
)

// Echo is the simplest builtin agent: it returns its invocation back as the
// result. Useful for wiring smoke tests and as a stand-in agent in task
// descriptors under development.
//
// Config keys:
//   - "message": static string included in the result
//   - "delay": Go duration string; the agent sleeps this long before replying
type Echo struct{}

func NewEcho() Echo { return Echo{} }

func (Echo) Invoke(ctx context.Context, inv Invocation) (any, error) {
	if raw, ok := inv.Config["delay"].(string); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err == nil && d > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
			}
		}
	}

	out := map[string]any{
		"task": inv.TaskID,
		"at":   time.Now().UTC().Format(time.RFC3339),
	}
	if msg, ok := inv.Config["message"].(string); ok && msg != "" {
		out["message"] = msg
	}
	if inv.Payload != nil {
		out["payload"] = inv.Payload
	}
	return out, nil
}
