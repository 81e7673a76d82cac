package cli

import (
	"errors"
	"fmt"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
)

// Process exit codes.
const (
	ExitOK             = 0
	ExitFailed         = 1
	ExitPartialFailure = 2
	ExitRejected       = 3
	ExitCancelled      = 4
)

// RunStatusError reports a run that did not finish successfully. The
// summary has already been printed.
type RunStatusError struct {
	RunID  string
	Status domain.RunStatus
}

func (e *RunStatusError) Error() string {
	return fmt.Sprintf("run %s finished with status %s", e.RunID, e.Status)
}

// Code returns the process exit code of the status.
func (e *RunStatusError) Code() int {
	switch e.Status {
	case domain.RunSuccess:
		return ExitOK
	case domain.RunPartialFailure:
		return ExitPartialFailure
	case domain.RunRejected:
		return ExitRejected
	case domain.RunCancelled:
		return ExitCancelled
	default:
		return ExitFailed
	}
}

func exitErrorFor(s domain.RunSummary) error {
	if s.Status == domain.RunSuccess {
		return nil
	}
	return &RunStatusError{RunID: s.RunID, Status: s.Status}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var rse *RunStatusError
	if errors.As(err, &rse) {
		return rse.Code()
	}
	return ExitFailed
}
