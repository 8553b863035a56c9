// Package scheduler turns task definitions into engine firings.
//
// It owns the triggering side only (cron/interval schedules, trigger-event
// routing, one-time firings); execution, retries and history belong to
// internal/task/engine. Schedules resolve their task from the active set at
// fire time, so descriptor reloads take effect without re-arming timers.
package scheduler
