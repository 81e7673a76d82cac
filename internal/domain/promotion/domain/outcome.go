package domain

import "time"

// OutcomeStatus is the result of one pair within a run.
type OutcomeStatus string

const (
	// OutcomeComplete means the cutover finished and the ledger was updated.
	OutcomeComplete OutcomeStatus = "complete"
	// OutcomeSkipped means the ledger already recorded the release.
	OutcomeSkipped OutcomeStatus = "skipped"
	// OutcomeFailed means the cutover or its pre-flight checks failed.
	OutcomeFailed OutcomeStatus = "failed"
	// OutcomeNotStarted means the pair was never dispatched.
	OutcomeNotStarted OutcomeStatus = "not_started"
)

// Succeeded reports whether the pair ends the run on the release.
func (s OutcomeStatus) Succeeded() bool {
	return s == OutcomeComplete || s == OutcomeSkipped
}

// PairOutcome is the reported result of one pair.
type PairOutcome struct {
	Key        PairKey           `json:"pair"`
	Status     OutcomeStatus     `json:"status"`
	Phase      CutoverPhase      `json:"phase,omitempty"`
	ReleaseTag string            `json:"release_tag"`
	PriorTag   string            `json:"prior_tag,omitempty"`
	Error      string            `json:"error,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	History    []PhaseTransition `json:"history,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`

	err error
}

// Err returns the failure cause with its error chain intact.
func (o PairOutcome) Err() error { return o.err }

// OutcomeFromCutover builds the reported outcome of a finished cutover.
func OutcomeFromCutover(c *Cutover) PairOutcome {
	o := PairOutcome{
		Key:        c.Key(),
		Phase:      c.Phase(),
		ReleaseTag: c.ReleaseTag(),
		PriorTag:   c.PriorTag(),
		Warnings:   c.Warnings(),
		History:    c.History(),
		StartedAt:  c.StartedAt(),
		FinishedAt: c.FinishedAt(),
		Status:     OutcomeComplete,
	}
	if c.Phase() != PhaseComplete {
		o.Status = OutcomeFailed
	}
	if err := c.Err(); err != nil {
		o = o.WithError(err)
	}
	return o
}

// WithError marks the outcome failed with cause.
func (o PairOutcome) WithError(err error) PairOutcome {
	o.Status = OutcomeFailed
	o.err = err
	o.Error = err.Error()
	return o
}

// NewOutcome creates an outcome that never entered the cutover machine.
func NewOutcome(key PairKey, status OutcomeStatus, releaseTag, priorTag string, err error) PairOutcome {
	o := PairOutcome{Key: key, Status: status, ReleaseTag: releaseTag, PriorTag: priorTag}
	if err != nil {
		o.err = err
		o.Error = err.Error()
	}
	return o
}

// StageResult aggregates the outcomes of one stage.
type StageResult struct {
	Name     string        `json:"name"`
	Outcomes []PairOutcome `json:"outcomes"`
	Approval *Signal       `json:"approval,omitempty"`
}

// Degraded reports whether any pair in the stage did not succeed.
func (s StageResult) Degraded() bool {
	for _, o := range s.Outcomes {
		if !o.Status.Succeeded() {
			return true
		}
	}
	return false
}

// RunStatus is the lifecycle status of a promotion run.
type RunStatus string

const (
	RunPending          RunStatus = "pending"
	RunRunning          RunStatus = "running"
	RunAwaitingApproval RunStatus = "awaiting_approval"
	RunSuccess          RunStatus = "success"
	RunPartialFailure   RunStatus = "partial_failure"
	RunFailed           RunStatus = "failed"
	RunRejected         RunStatus = "rejected"
	RunCancelled        RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSuccess, RunPartialFailure, RunFailed, RunRejected, RunCancelled:
		return true
	default:
		return false
	}
}

// RunSummary is the report of one promotion run.
type RunSummary struct {
	RunID      string        `json:"run_id"`
	ReleaseTag string        `json:"release_tag"`
	Status     RunStatus     `json:"status"`
	Stages     []StageResult `json:"stages"`
	Reason     string        `json:"reason,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Outcomes returns every pair outcome in stage order.
func (s *RunSummary) Outcomes() []PairOutcome {
	var out []PairOutcome
	for _, st := range s.Stages {
		out = append(out, st.Outcomes...)
	}
	return out
}

// Outcome finds the outcome of one pair.
func (s *RunSummary) Outcome(key PairKey) (PairOutcome, bool) {
	for _, o := range s.Outcomes() {
		if o.Key == key {
			return o, true
		}
	}
	return PairOutcome{}, false
}

// ComputeStatus derives the terminal status from pair outcomes. A halt
// decision (rejection or cancellation) takes precedence over pair results.
func ComputeStatus(outcomes []PairOutcome, halt *Signal) RunStatus {
	if halt != nil {
		switch halt.Decision {
		case DecisionRejected:
			return RunRejected
		case DecisionCancelled:
			return RunCancelled
		}
	}
	succeeded, total := 0, len(outcomes)
	for _, o := range outcomes {
		if o.Status.Succeeded() {
			succeeded++
		}
	}
	switch {
	case total > 0 && succeeded == total:
		return RunSuccess
	case succeeded > 0:
		return RunPartialFailure
	default:
		return RunFailed
	}
}
