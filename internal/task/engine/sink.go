package engine

import (
	"context"
	"time"
)

// Envelope is the structured output produced for every completed execution.
// It is persisted on the execution record before downstream delivery, so a
// sink failure never loses the data.
type Envelope struct {
	TaskID       string       `json:"taskId"`
	TaskName     string       `json:"taskName"`
	ExecutedAt   time.Time    `json:"executedAt"`
	OutputFormat string       `json:"outputFormat"`
	OutputSchema string       `json:"outputSchema,omitempty"`
	Destination  string       `json:"destination,omitempty"`
	Data         any          `json:"data"`
	Metadata     EnvelopeMeta `json:"metadata"`
}

type EnvelopeMeta struct {
	Agent         string         `json:"agent"`
	Config        map[string]any `json:"config,omitempty"`
	ConfigVersion string         `json:"configVersion,omitempty"`
}

// Sink receives output envelopes. Delivery is fire-and-forget from the
// engine's perspective: the envelope is already persisted to history when
// Deliver runs, and a delivery error is logged, not retried.
type Sink interface {
	Deliver(ctx context.Context, env Envelope) error
}
