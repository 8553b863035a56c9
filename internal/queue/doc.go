// Package queue bridges an external NATS JetStream work queue into the
// execution engine.
//
// Messages on the configured subject are one-shot dispatch requests. The
// bridge runs each through the engine, acknowledges on success and otherwise
// chooses between delayed redelivery and termination from the message's own
// retry budget. Delivery is at-least-once: a crash between execution and
// acknowledgment redelivers the message, so agents must tolerate duplicate
// invocation.
package queue
