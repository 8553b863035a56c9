// Package taskdef loads and validates declarative task descriptors.
//
// Descriptors live in structured config (JSON or YAML), one file per
// category. A loaded TaskSet is immutable; changing a task means editing the
// source and reloading the whole set.
package taskdef

import (
	"bytes"
	"encoding/json"
	"time"
)

// Kind selects how a task fires.
type Kind string

const (
	// KindScheduled tasks fire on a recurring timer (Schedule required).
	KindScheduled Kind = "scheduled"
	// KindTriggered tasks fire when TriggerEvent is published on the bus.
	KindTriggered Kind = "triggered"
	// KindManual tasks only fire on explicit invocation (operator, queue, decision).
	KindManual Kind = "manual"
)

// RetryPolicy bounds the retry loop for one firing.
//
// BackoffSeconds is deliberately an integer (seconds), matching the
// descriptor wire format.
type RetryPolicy struct {
	MaxAttempts    int `json:"maxAttempts"`
	BackoffSeconds int `json:"backoffSeconds"`
}

// Backoff returns the retry delay as a duration.
func (p RetryPolicy) Backoff() time.Duration {
	if p.BackoffSeconds <= 0 {
		return 0
	}
	return time.Duration(p.BackoffSeconds) * time.Second
}

// OutputDescriptor names where and how a task's result envelope is delivered.
type OutputDescriptor struct {
	Format      string `json:"format,omitempty"` // e.g. "json"
	Schema      string `json:"schema,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// Task is an immutable task descriptor.
//
// Field presence rules (enforced by Validate):
//   - Schedule is required iff Kind == scheduled
//   - TriggerEvent is required iff Kind == triggered
type Task struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Kind        Kind   `json:"kind"`

	Schedule     string `json:"schedule,omitempty"`
	TriggerEvent string `json:"triggerEvent,omitempty"`

	// Agent is resolved against the agent registry at execution time, not at
	// load time (remote agents may attach after startup).
	Agent   string `json:"agent"`
	Enabled bool   `json:"enabled"`

	// Config is passed opaquely to the agent on every invocation.
	Config map[string]any `json:"config,omitempty"`

	Output       OutputDescriptor `json:"output,omitempty"`
	Dependencies []string         `json:"dependencies,omitempty"`
	RetryPolicy  RetryPolicy      `json:"retryPolicy,omitempty"`

	// Category is derived from the source file name, not declared in the
	// descriptor itself.
	Category string `json:"-"`
}

// UnmarshalJSON decodes a descriptor strictly (unknown fields rejected) and
// applies wire defaults: enabled omitted means true, name omitted falls back
// to id, retryPolicy omitted means a single attempt.
func (t *Task) UnmarshalJSON(b []byte) error {
	type wire struct {
		ID           string           `json:"id"`
		Name         string           `json:"name"`
		Description  string           `json:"description"`
		Kind         Kind             `json:"kind"`
		Schedule     string           `json:"schedule"`
		TriggerEvent string           `json:"triggerEvent"`
		Agent        string           `json:"agent"`
		Enabled      *bool            `json:"enabled"`
		Config       map[string]any   `json:"config"`
		Output       OutputDescriptor `json:"output"`
		Dependencies []string         `json:"dependencies"`
		RetryPolicy  *RetryPolicy     `json:"retryPolicy"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var w wire
	if err := dec.Decode(&w); err != nil {
		return err
	}

	enabled := true
	if w.Enabled != nil {
		enabled = *w.Enabled
	}
	rp := RetryPolicy{MaxAttempts: 1}
	if w.RetryPolicy != nil {
		rp = *w.RetryPolicy
		if rp.MaxAttempts == 0 {
			rp.MaxAttempts = 1
		}
	}
	name := w.Name
	if name == "" {
		name = w.ID
	}

	*t = Task{
		ID:           w.ID,
		Name:         name,
		Description:  w.Description,
		Kind:         w.Kind,
		Schedule:     w.Schedule,
		TriggerEvent: w.TriggerEvent,
		Agent:        w.Agent,
		Enabled:      enabled,
		Config:       w.Config,
		Output:       w.Output,
		Dependencies: w.Dependencies,
		RetryPolicy:  rp,
	}
	return nil
}

// ConfigJSON returns the task config as canonical JSON (nil map -> "{}").
func (t Task) ConfigJSON() json.RawMessage {
	if len(t.Config) == 0 {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(t.Config)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// TaskSet is a validated, immutable collection of tasks.
//
// Order reflects load order (files sorted by name, descriptors in file
// order), which keeps scheduler registration deterministic.
type TaskSet struct {
	tasks []Task
	byID  map[string]int
}

// NewTaskSet validates tasks and returns the immutable set.
func NewTaskSet(tasks []Task) (*TaskSet, error) {
	if err := validateTasks(tasks); err != nil {
		return nil, err
	}
	s := &TaskSet{
		tasks: make([]Task, len(tasks)),
		byID:  make(map[string]int, len(tasks)),
	}
	copy(s.tasks, tasks)
	for i, t := range s.tasks {
		s.byID[t.ID] = i
	}
	return s, nil
}

// Len reports the number of tasks in the set.
func (s *TaskSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tasks)
}

// Get returns the task with the given id.
func (s *TaskSet) Get(id string) (Task, bool) {
	if s == nil {
		return Task{}, false
	}
	i, ok := s.byID[id]
	if !ok {
		return Task{}, false
	}
	return s.tasks[i], true
}

// All returns the tasks in load order. The returned slice is a copy.
func (s *TaskSet) All() []Task {
	if s == nil {
		return nil
	}
	out := make([]Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Enabled returns only the enabled tasks, in load order.
func (s *TaskSet) Enabled() []Task {
	if s == nil {
		return nil
	}
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}
