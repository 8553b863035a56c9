package agent

import (
	"context"
	"fmt"
	"time"

	"taskpilot/pkg/speedtest"
)

// Speedtest is a builtin agent that measures internet bandwidth and
// latency. A run moves real traffic for tens of seconds, so tasks using
// it should be scheduled sparsely and declared single concurrency.
//
// Per-task config keys (all optional):
//   - "servers": candidate server count, default 5
//   - "full_tests": servers given a full transfer test, default 1
//   - "max_connections": parallel streams per transfer, default 4
//   - "saving_mode": lower memory use at some accuracy cost
//   - "packet_loss": enable packet loss probing
//   - "timeout": Go duration string, capped by the execution deadline
type Speedtest struct{}

// NewSpeedtest builds the speedtest agent.
func NewSpeedtest() *Speedtest { return &Speedtest{} }

func (s *Speedtest) Invoke(ctx context.Context, inv Invocation) (any, error) {
	cfg := speedtest.RunConfig{
		ServerCount:       configInt(inv.Config, "servers", 5),
		FullTestServers:   configInt(inv.Config, "full_tests", 1),
		MaxConnections:    configInt(inv.Config, "max_connections", 4),
		SavingMode:        configBool(inv.Config, "saving_mode"),
		PacketLossEnabled: configBool(inv.Config, "packet_loss"),

		// The agent runs inside a long-lived process, so trade a little
		// throughput for connections that close promptly and memory that
		// returns to the OS between runs.
		DisableHTTP2:        true,
		DisableKeepAlives:   true,
		PostRunFreeOSMemory: true,
	}

	if raw, ok := inv.Config["timeout"].(string); ok && raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.OperationTimeout = d
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	res, err := speedtest.NewRunner(cfg).Run(ctx)
	if err != nil {
		// Keep "timeout" in the text so the failure classifier treats
		// deadline errors as recoverable.
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("speedtest: timeout after deadline: %w", err)
		}
		return nil, fmt.Errorf("speedtest: %w", err)
	}
	return res, nil
}

// configInt reads a positive integer config value. JSON decoding hands
// numbers over as float64, YAML as int.
func configInt(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return def
}

func configBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}
