package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskpilot/pkg/unitctl"
)

// Systemd is a builtin agent that starts, stops, restarts or inspects
// systemd units over D-Bus. Each invocation dials its own bus connection
// so a restarted dbus-daemon never wedges the agent.
//
// Per-task config keys:
//   - "unit": required, ".service" is assumed when no unit suffix is given
//   - "action": "start", "stop", "restart", "status" (default) or
//     "check", which is a status read that fails unless the unit is active
//   - "timeout": Go duration string, capped by the execution deadline
type Systemd struct{}

// NewSystemd builds the systemd agent.
func NewSystemd() *Systemd { return &Systemd{} }

func (s *Systemd) Invoke(ctx context.Context, inv Invocation) (any, error) {
	unit, _ := inv.Config["unit"].(string)
	unit = strings.TrimSpace(unit)
	if unit == "" {
		return nil, fmt.Errorf("systemd: config.unit required")
	}

	action := "status"
	if a, ok := inv.Config["action"].(string); ok && strings.TrimSpace(a) != "" {
		action = strings.ToLower(strings.TrimSpace(a))
	}
	switch action {
	case "start", "stop", "restart", "status", "check":
	default:
		return nil, fmt.Errorf("systemd: unknown action %q", action)
	}

	if raw, ok := inv.Config["timeout"].(string); ok && raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	conn, err := unitctl.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("systemd: %w", err)
	}
	defer conn.Close()

	switch action {
	case "start":
		err = conn.Start(ctx, unit)
	case "stop":
		err = conn.Stop(ctx, unit)
	case "restart":
		err = conn.Restart(ctx, unit)
	}
	if err != nil {
		// Keep "timeout" in the text so the failure classifier treats
		// deadline errors as recoverable.
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("systemd: %s %s timeout: %w", action, unit, err)
		}
		return nil, fmt.Errorf("systemd: %w", err)
	}

	// Report the resulting state regardless of action so every run leaves
	// a unit snapshot in the execution record. The job result above is the
	// success signal for mutations; oneshot services may legitimately be
	// inactive again by the time we look.
	st, err := conn.Status(ctx, unit)
	if err != nil {
		return nil, fmt.Errorf("systemd: %w", err)
	}
	if en, eerr := conn.Enabled(ctx, unit); eerr == nil {
		st.Enabled = en
	}

	out := map[string]any{
		"action": action,
		"unit":   st.Name,
		"status": st,
	}
	if action == "check" && st.ActiveState != "active" {
		return out, fmt.Errorf("systemd: check %s: unit is %s/%s", st.Name, st.ActiveState, st.SubState)
	}
	return out, nil
}
