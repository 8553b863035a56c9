// Package agent defines the agent contract and the runtime registry that
// resolves task descriptors to executable agents.
//
// Agents come from two places: builtins constructed at startup (echo,
// http_probe, speedtest, systemd) and remote workers that attach over the
// realtime channel and are registered/deregistered as their connections come
// and go. Resolution happens at execution time, never at load time.
package agent

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrUnknownAgent is returned when a task references an agent type that is
// not currently registered.
var ErrUnknownAgent = errors.New("unknown agent")

// Invocation carries everything an agent gets for one task run.
type Invocation struct {
	TaskID   string
	TaskName string
	Category string

	// Config is the task's opaque config map (may be nil).
	Config map[string]any

	// Payload is the trigger payload (event data, queue message data); nil
	// for plain timer firings.
	Payload any
}

// Invoker executes one task invocation and returns the raw agent result.
//
// The context carries the per-deployment execution timeout; implementations
// should honor cancellation but the engine treats a hung invocation as failed
// once the deadline passes regardless.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, inv Invocation) (any, error)

func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (any, error) {
	return f(ctx, inv)
}

// Registry is a concurrency-safe map of agent type to Invoker.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Invoker
}

func NewRegistry() *Registry {
	return &Registry{agents: map[string]Invoker{}}
}

// Register installs inv under name, replacing any previous registration
// (a reconnecting remote agent takes over its type).
func (r *Registry) Register(name string, inv Invoker) {
	if name == "" || inv == nil {
		return
	}
	r.mu.Lock()
	r.agents[name] = inv
	r.mu.Unlock()
}

// Deregister removes name only if it still maps to inv. This keeps a stale
// disconnect callback from removing a newer registration for the same type.
// Instances are matched by interface equality, so invokers passed here must
// be comparable (pointer implementations are).
func (r *Registry) Deregister(name string, inv Invoker) {
	r.mu.Lock()
	if cur, ok := r.agents[name]; ok && cur == inv {
		delete(r.agents, name)
	}
	r.mu.Unlock()
}

// Resolve returns the Invoker registered under name.
func (r *Registry) Resolve(name string) (Invoker, error) {
	r.mu.RLock()
	inv, ok := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownAgent
	}
	return inv, nil
}

// Names returns the registered agent types, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
