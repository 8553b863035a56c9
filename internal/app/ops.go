package app

import (
	"time"
)

// registerStatusRoutes hangs the JSON status endpoints off the debug server.
// They ride the same listener, token and loopback policy as the profiles.
func (a *App) registerStatusRoutes() {
	a.pprof.HandleStatus("/healthz", a.healthStatus)
	a.pprof.HandleStatus("/tasks", a.taskStatus)
	a.pprof.HandleStatus("/decisions", a.decisionStatus)
	a.pprof.HandleStatus("/queue", func() any { return a.queue.Snapshot() })
	a.pprof.HandleStatus("/channel", func() any { return a.channel.Snapshot() })
	a.pprof.HandleStatus("/analyzer", a.analyzerStatus)
}

func (a *App) healthStatus() any {
	dsnap := a.decision.Decisions()
	return map[string]any{
		"status":    "ok",
		"uptime":    time.Since(a.startedAt).Round(time.Second).String(),
		"engine":    a.engine.Snapshot(),
		"scheduler": a.sched.Snapshot(),
		"queue":     a.queue.Snapshot(),
		"channel":   a.channel.Snapshot(),
		"decision": map[string]any{
			"enabled": dsnap.Enabled,
			"cycles":  dsnap.Cycles,
			"applied": dsnap.Applied,
			"active":  len(dsnap.Active),
		},
	}
}

func (a *App) taskStatus() any {
	set := a.taskSet()
	return map[string]any{
		"version": a.taskVersion(),
		"tasks":   set.All(),
		"active":  a.engine.ActiveExecutions(),
	}
}

func (a *App) decisionStatus() any { return a.decision.Decisions() }

// analyzerStatus returns the last report, or a stub until the first cycle ran.
func (a *App) analyzerStatus() any {
	if rep := a.analyzer.Last(); rep != nil {
		return rep
	}
	return map[string]any{"generated": false}
}
