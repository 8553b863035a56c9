package history

// Package history persists task execution records.
//
// It currently supports:
//   - Append/Update of per-attempt records (retries share a lineage id)
//   - Dependency freshness lookups (last completed run per task)
//   - Trailing-window queries for the analyzer and ops endpoints
//   - Retention pruning
