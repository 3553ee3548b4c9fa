package domain

import "time"

// Action is the operation requested for a dataset.
type Action string

const (
	// ActionFullReindex replicates the upstream table and rebuilds the live index.
	ActionFullReindex Action = "FULL_REINDEX"
	// ActionLoadTestData loads a bounded fixture set into an isolated
	// generation for quality checks. The generation is never aliased.
	ActionLoadTestData Action = "LOAD_TEST_DATA"
)

// ParseAction validates a caller-supplied action string.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionFullReindex, ActionLoadTestData:
		return Action(s), nil
	default:
		return "", ErrUnknownAction
	}
}

// JobState is a step in the pipeline state machine.
type JobState string

const (
	JobQueued      JobState = "queued"
	JobReplicating JobState = "replicating"
	JobIndexing    JobState = "indexing"
	JobValidating  JobState = "validating"
	JobAliasing    JobState = "aliasing"
	JobDone        JobState = "done"
	JobError       JobState = "error"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobDone || s == JobError
}

// Cancellable reports whether a job in this state may be cancelled
// immediately. Past replication, cancellation is deferred until the build
// reaches a validation decision.
func (s JobState) Cancellable() bool {
	return s == JobQueued || s == JobReplicating
}

// Job records one pipeline run for a dataset.
type Job struct {
	ID        string
	Dataset   string
	Action    Action
	State     JobState
	StartedAt time.Time
	EndedAt   time.Time
	ErrorKind string
	ErrorMsg  string

	// Generation promoted to live by this job, set once aliasing completes.
	LiveGeneration string
}
