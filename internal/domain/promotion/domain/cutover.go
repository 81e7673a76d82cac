package domain

import (
	"time"

	"github.com/felixgeelhaar/statekit"
)

// CutoverPhase is a phase of one blue-green cutover attempt.
type CutoverPhase string

const (
	PhaseIdle           CutoverPhase = "idle"
	PhaseStaging        CutoverPhase = "staging"
	PhaseHealthChecking CutoverPhase = "health_checking"
	PhaseSwitching      CutoverPhase = "switching"
	PhaseDraining       CutoverPhase = "draining"
	PhaseCleanup        CutoverPhase = "cleanup"
	PhaseComplete       CutoverPhase = "complete"
	PhaseFailed         CutoverPhase = "failed"
)

// IsTerminal reports whether the phase is Complete or Failed.
func (p CutoverPhase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// String returns the phase name.
func (p CutoverPhase) String() string {
	return string(p)
}

// Instance is one running copy of an application on a target.
type Instance struct {
	Name    string   `json:"name"`
	Version string   `json:"version,omitempty"`
	Routes  []string `json:"routes,omitempty"`
	Running bool     `json:"running"`
}

// HasRoute reports whether the instance is mapped to route.
func (i Instance) HasRoute(route string) bool {
	for _, r := range i.Routes {
		if r == route {
			return true
		}
	}
	return false
}

// PhaseTransition records one phase change.
type PhaseTransition struct {
	From  CutoverPhase `json:"from"`
	To    CutoverPhase `json:"to"`
	Event string       `json:"event"`
	At    time.Time    `json:"at"`
}

// Cutover is the state of one cutover attempt for one pair. It is owned by
// the runner for the duration of a run.
type Cutover struct {
	runID      string
	key        PairKey
	releaseTag string
	priorTag   string

	live      *Instance
	candidate string

	machine  *CutoverMachine
	history  []PhaseTransition
	warnings []string
	err      error

	startedAt  time.Time
	finishedAt time.Time
}

// NewCutover creates a cutover in the Idle phase.
func NewCutover(runID string, key PairKey, releaseTag, priorTag string) (*Cutover, error) {
	m, err := NewCutoverMachine()
	if err != nil {
		return nil, err
	}
	return &Cutover{
		runID:      runID,
		key:        key,
		releaseTag: releaseTag,
		priorTag:   priorTag,
		machine:    m,
	}, nil
}

// RunID returns the owning run.
func (c *Cutover) RunID() string { return c.runID }

// Key returns the pair being cut over.
func (c *Cutover) Key() PairKey { return c.key }

// ReleaseTag returns the release being deployed.
func (c *Cutover) ReleaseTag() string { return c.releaseTag }

// PriorTag returns the ledger value read before the cutover started.
func (c *Cutover) PriorTag() string { return c.priorTag }

// Phase returns the current phase.
func (c *Cutover) Phase() CutoverPhase { return c.machine.Phase() }

// Live returns the blue instance, or nil on a first deployment.
func (c *Cutover) Live() *Instance { return c.live }

// SetLive records the blue instance discovered before staging.
func (c *Cutover) SetLive(inst *Instance) { c.live = inst }

// Candidate returns the green instance name.
func (c *Cutover) Candidate() string { return c.candidate }

// SetCandidate records the green instance name.
func (c *Cutover) SetCandidate(name string) { c.candidate = name }

// History returns the phase transitions so far.
func (c *Cutover) History() []PhaseTransition {
	return append([]PhaseTransition(nil), c.history...)
}

// Warnings returns non-fatal problems recorded after the switch.
func (c *Cutover) Warnings() []string {
	return append([]string(nil), c.warnings...)
}

// Err returns the failure cause, if any.
func (c *Cutover) Err() error { return c.err }

// StartedAt returns when staging began.
func (c *Cutover) StartedAt() time.Time { return c.startedAt }

// FinishedAt returns when a terminal phase was reached.
func (c *Cutover) FinishedAt() time.Time { return c.finishedAt }

// Advance fires an event on the machine and records the transition.
func (c *Cutover) Advance(event statekit.EventType, at time.Time) error {
	from := c.machine.Phase()
	to, err := c.machine.Fire(event)
	if err != nil {
		return err
	}
	if from == PhaseIdle {
		c.startedAt = at
	}
	c.history = append(c.history, PhaseTransition{From: from, To: to, Event: string(event), At: at})
	if to.IsTerminal() {
		c.finishedAt = at
	}
	return nil
}

// Fail moves the cutover to Failed, remembering which phase failed.
func (c *Cutover) Fail(cause error, at time.Time) error {
	phase := c.machine.Phase()
	if err := c.Advance(EventFail, at); err != nil {
		return err
	}
	c.err = &PhaseError{Phase: phase, Err: cause}
	return nil
}

// Warn records a non-fatal problem.
func (c *Cutover) Warn(msg string) {
	c.warnings = append(c.warnings, msg)
}
