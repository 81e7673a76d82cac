package domain

import (
	"errors"
	"fmt"
)

// Domain errors for promotion operations.
var (
	// ErrInvalidTransition indicates a cutover phase change the machine does not allow.
	ErrInvalidTransition = errors.New("invalid cutover transition")

	// ErrInvalidPlan indicates a plan violating stage ordering rules.
	ErrInvalidPlan = errors.New("invalid deployment plan")

	// ErrNoApplications indicates a run selected zero applications.
	ErrNoApplications = errors.New("no applications selected")

	// ErrUnknownApplication indicates a selection outside the configured applications.
	ErrUnknownApplication = errors.New("unknown application")

	// ErrConcurrentDeployment indicates another cutover holds the pair or won the ledger race.
	ErrConcurrentDeployment = errors.New("concurrent deployment in progress for pair")

	// ErrReleaseRegression indicates the ledger already records a newer release.
	ErrReleaseRegression = errors.New("ledger records a newer release")

	// ErrNoPendingApproval indicates a signal for a run that is not suspended.
	ErrNoPendingApproval = errors.New("no pending approval for run")

	// ErrUnauthorizedReviewer indicates a signal from an identity outside the reviewer list.
	ErrUnauthorizedReviewer = errors.New("reviewer is not allowed to decide this approval")

	// ErrRunNotFound indicates an unknown run identifier.
	ErrRunNotFound = errors.New("run not found")

	// ErrNotPromoted indicates a pair was not started because its application
	// did not succeed in the previous stage.
	ErrNotPromoted = errors.New("not promoted: previous stage did not succeed")
)

// PhaseError records which phase of a cutover failed.
type PhaseError struct {
	Phase CutoverPhase
	Err   error
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *PhaseError) Unwrap() error {
	return e.Err
}
