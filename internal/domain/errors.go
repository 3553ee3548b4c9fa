package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy signals that a non-terminal job already holds the dataset lease.
	ErrBusy = errors.New("dataset busy")
	// ErrUnknownDataset signals a dataset name absent from the catalog.
	ErrUnknownDataset = errors.New("unknown dataset")
	// ErrUnknownAction signals an unsupported job action.
	ErrUnknownAction = errors.New("unknown action")
	// ErrUpstreamUnavailable signals that the upstream snapshot read could not complete.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrSchemaMismatch signals a required source column missing with no default or derivation rule.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrValidationFailed signals a build that missed the count or error-rate thresholds.
	ErrValidationFailed = errors.New("validation failed")
	// ErrStageTimeout signals a pipeline stage that exceeded its wall-clock budget.
	ErrStageTimeout = errors.New("stage timeout")
	// ErrNoRollbackTarget signals a rollback with no retired generation to return to.
	ErrNoRollbackTarget = errors.New("no rollback target")
	// ErrGenerationLive signals an attempt to delete the generation an alias points to.
	ErrGenerationLive = errors.New("generation is live")
	// ErrNotCancellable signals a cancel request for a job past the replication stage.
	ErrNotCancellable = errors.New("job not cancellable")
	// ErrJobNotFound signals a status request for a dataset with no recorded job.
	ErrJobNotFound = errors.New("job not found")
	// ErrCancelled signals a job aborted on caller request.
	ErrCancelled = errors.New("job cancelled")
)

// StageError wraps a stage failure with the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Err.Error())
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError tags err with the failing stage name.
func NewStageError(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// ErrorKind maps a pipeline error to the taxonomy name reported to callers.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, ErrStageTimeout):
		return "timeout"
	case errors.Is(err, ErrNoRollbackTarget):
		return "no_rollback_target"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "internal"
	}
}
