// Package channel runs the realtime websocket channel worker agents attach
// to.
//
// A connecting agent introduces itself with a hello frame and is registered
// in the agent registry as a remote invoker, so task descriptors can target
// it like any builtin. Dispatches ride correlation-id request/result frames;
// a dropped connection deregisters the agent and fails its in-flight
// dispatches. Agents can also push event frames, which feed the internal bus
// and fire event-triggered tasks.
package channel
