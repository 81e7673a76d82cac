package ports

import "time"

// Clock provides time-related functionality.
// This abstraction enables testing with controlled time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// Recorder receives run and cutover measurements.
type Recorder interface {
	RunFinished(status string)
	CutoverFinished(target, outcome string, d time.Duration)
	ApprovalsPending(n int)
	HealthCheck(result string)
}

// NopRecorder discards all measurements.
type NopRecorder struct{}

func (NopRecorder) RunFinished(string)                            {}
func (NopRecorder) CutoverFinished(string, string, time.Duration) {}
func (NopRecorder) ApprovalsPending(int)                          {}
func (NopRecorder) HealthCheck(string)                            {}
