package ingestion

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for job state transition validation.
var (
	// ErrInvalidTransition indicates an invalid state transition.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTerminalStateImmutable indicates an attempt to transition from a terminal state.
	ErrTerminalStateImmutable = errors.New("terminal state is immutable")
)

// JobState is the lifecycle position of an import job.
type JobState string

const (
	JobStateReceived         JobState = "received"
	JobStateStrategySelected JobState = "strategy_selected"
	JobStateParsing          JobState = "parsing"
	JobStateAggregating      JobState = "aggregating"
	JobStateCleanup          JobState = "cleanup"
	JobStateCompleted        JobState = "completed"
	JobStateFailed           JobState = "failed"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Strategy is how the archive bytes are fetched.
type Strategy string

const (
	// StrategySmall downloads the whole archive through the blob store client.
	StrategySmall Strategy = "small"
	// StrategyLarge fetches the archive through a short-lived signed URL.
	StrategyLarge Strategy = "large"
)

// forwardTransitions is the happy path. failed is handled separately.
var forwardTransitions = map[JobState]JobState{
	JobStateReceived:         JobStateStrategySelected,
	JobStateStrategySelected: JobStateParsing,
	JobStateParsing:          JobStateAggregating,
	JobStateAggregating:      JobStateCleanup,
	JobStateCleanup:          JobStateCompleted,
}

// ValidateTransition validates a job state transition.
//
// Valid transitions:
//   - received → strategy_selected → parsing → aggregating → cleanup → completed
//   - any non-terminal state → failed
//
// Terminal states (completed, failed) never change. There is no retry state;
// a failed import is resubmitted as a new job.
func ValidateTransition(from, to JobState) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s → %s", ErrTerminalStateImmutable, from, to)
	}

	if to == JobStateFailed {
		return nil
	}

	if next, ok := forwardTransitions[from]; ok && next == to {
		return nil
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// Job is one processing attempt for one uploaded archive.
type Job struct {
	ID          string
	UserID      string
	ArchivePath string
	StartedAt   time.Time
	Strategy    Strategy
	State       JobState
}

// NewJob returns a job in the received state.
func NewJob(id, userID, archivePath string, startedAt time.Time) *Job {
	return &Job{
		ID:          id,
		UserID:      userID,
		ArchivePath: archivePath,
		StartedAt:   startedAt,
		State:       JobStateReceived,
	}
}

// Transition moves the job to the given state, rejecting invalid moves.
func (j *Job) Transition(to JobState) error {
	if err := ValidateTransition(j.State, to); err != nil {
		return err
	}

	j.State = to

	return nil
}

// Fail moves the job into the failed state unless it is already terminal.
func (j *Job) Fail() {
	if !j.State.IsTerminal() {
		j.State = JobStateFailed
	}
}
