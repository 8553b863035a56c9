package eventbus

// Well-known event types published by the orchestration core.
//
// Trigger events declared in task definitions are published under their
// configured names and are not listed here.
const (
	// TypeTaskCompleted carries {task, execution, outputData} after a
	// successful agent run.
	TypeTaskCompleted = "task_completed"

	// TypeTaskFailed carries {task, execution, error} after a failed attempt
	// (including the terminal attempt of a retry lineage).
	TypeTaskFailed = "task_failed"

	// TypeRecoverySuggested carries a decision produced by the failure
	// classifier for a recoverable terminal failure.
	TypeRecoverySuggested = "recovery_suggested"

	// TypeTaskAbandoned carries {task, reason} when a failure is classified
	// as non-recoverable and the lineage will not be re-run.
	TypeTaskAbandoned = "task_abandoned"
)
