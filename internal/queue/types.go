package queue

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config carries resolved bridge settings. Durations arrive parsed; string
// parsing happens at the config layer.
type Config struct {
	Enabled bool
	URL     string
	Stream  string
	Subject string
	Durable string

	// MaxConcurrent bounds messages handled at once. Fetching pauses while
	// all slots are busy so unprocessed work stays in the stream.
	MaxConcurrent int

	// AckWait is how long the server waits for an ack before redelivering.
	// It must exceed the longest expected execution.
	AckWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "TASKS"
	}
	if c.Subject == "" {
		c.Subject = "tasks.dispatch"
	}
	if c.Durable == "" {
		c.Durable = "taskpilot"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.AckWait <= 0 {
		c.AckWait = 2 * time.Minute
	}
	return c
}

// dispatchMessage is the wire shape of one queue message.
//
// retry_count seeds the redelivery budget; JetStream redeliveries of the
// same bytes add on top (see deliveredRetries). max_retries zero means the
// first failure is final.
type dispatchMessage struct {
	TaskID        string          `json:"task_id"`
	AgentType     string          `json:"agent_type,omitempty"`
	Priority      int             `json:"priority,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	RetryCount    int             `json:"retry_count,omitempty"`
	MaxRetries    int             `json:"max_retries,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// payloadValue decodes data into a generic value so agents see the same
// shapes that event trigger payloads produce.
func (m dispatchMessage) payloadValue() any {
	if len(m.Data) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(m.Data, &v); err != nil {
		return string(m.Data)
	}
	return v
}

// queueMsg is the slice of jetstream.Msg the handler touches. Tests
// implement it without a broker.
type queueMsg interface {
	Data() []byte
	Headers() nats.Header
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// Snapshot is a point-in-time view for operational endpoints.
type Snapshot struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	Stream    string `json:"stream,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Durable   string `json:"durable,omitempty"`

	Handled   uint64 `json:"handled"`
	Completed uint64 `json:"completed"`
	Requeued  uint64 `json:"requeued"`
	Abandoned uint64 `json:"abandoned"`
	Malformed uint64 `json:"malformed"`
}
