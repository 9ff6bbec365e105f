package sync

import (
	gosync "sync"
	"time"
)

type RunState int

const (
	StateIdle RunState = iota
	StateFetching
	StateClassifying
	StateWriting
	StateAcknowledging
	StateDone
	StateFailed
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateFetching:
		return "Fetching"
	case StateClassifying:
		return "Classifying"
	case StateWriting:
		return "Writing"
	case StateAcknowledging:
		return "Acknowledging"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// RecordFailure is one soft per-record failure.
type RecordFailure struct {
	SourceID string
	StudyID  string
	Phase    RunState
	Kind     ErrorKind
	Err      error
}

// RunSummary is the outcome of one run.
type RunSummary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	// State is StateDone or StateFailed once the run has finished.
	State RunState
	// FailedPhase and Cause are set when State is StateFailed.
	FailedPhase RunState
	Cause       error

	Fetched      int
	Inserted     int
	Updated      int
	Skipped      int
	Acknowledged int
	Failures     []RecordFailure
}

func (s RunSummary) Failed() int {
	return len(s.Failures)
}

func (s RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// summaryAccumulator is the only state shared between concurrent record workers.
type summaryAccumulator struct {
	mu      gosync.Mutex
	summary RunSummary
}

func (a *summaryAccumulator) update(fn func(s *RunSummary)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.summary)
}

func (a *summaryAccumulator) fail(record ParticipantRecord, phase RunState, err error) {
	a.update(func(s *RunSummary) {
		s.Failures = append(s.Failures, RecordFailure{
			SourceID: record.SourceID,
			StudyID:  record.StudyID,
			Phase:    phase,
			Kind:     KindOf(err),
			Err:      err,
		})
	})
}

func (a *summaryAccumulator) snapshot() RunSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.summary
	s.Failures = append([]RecordFailure(nil), a.summary.Failures...)
	return s
}
