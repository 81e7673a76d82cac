package domain

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"
)

// CutoverContext is the context carried by the cutover state machine.
type CutoverContext struct {
	Key PairKey
}

// Event names for the cutover state machine.
const (
	EventStage         statekit.EventType = "STAGE"
	EventStaged        statekit.EventType = "STAGED"
	EventHealthy       statekit.EventType = "HEALTHY"
	EventRedeployed    statekit.EventType = "REDEPLOYED"
	EventSwitched      statekit.EventType = "SWITCHED"
	EventSwitchedFirst statekit.EventType = "SWITCHED_FIRST"
	EventDrained       statekit.EventType = "DRAINED"
	EventDrainDegraded statekit.EventType = "DRAIN_DEGRADED"
	EventCleaned       statekit.EventType = "CLEANED"
	EventFail          statekit.EventType = "FAIL"
)

// CutoverMachine wraps the statekit interpreter for one cutover attempt.
type CutoverMachine struct {
	interpreter *statekit.Interpreter[CutoverContext]
}

// NewCutoverMachine builds and starts a machine in the Idle phase.
func NewCutoverMachine() (*CutoverMachine, error) {
	machine, err := statekit.NewMachine[CutoverContext]("cutover").
		WithInitial(phaseID(PhaseIdle)).
		State(phaseID(PhaseIdle)).
		On(EventStage).Target(phaseID(PhaseStaging)).
		Done().
		// Green is pushed without a route.
		State(phaseID(PhaseStaging)).
		On(EventStaged).Target(phaseID(PhaseHealthChecking)).
		On(EventFail).Target(phaseID(PhaseFailed)).
		Done().
		State(phaseID(PhaseHealthChecking)).
		On(EventHealthy).Target(phaseID(PhaseSwitching)).
		On(EventRedeployed).Target(phaseID(PhaseComplete)).
		On(EventFail).Target(phaseID(PhaseFailed)).
		Done().
		// Map is additive; blue keeps the route until Draining.
		State(phaseID(PhaseSwitching)).
		On(EventSwitched).Target(phaseID(PhaseDraining)).
		On(EventSwitchedFirst).Target(phaseID(PhaseComplete)).
		On(EventFail).Target(phaseID(PhaseFailed)).
		Done().
		// Past this point failures are warnings only.
		State(phaseID(PhaseDraining)).
		On(EventDrained).Target(phaseID(PhaseCleanup)).
		On(EventDrainDegraded).Target(phaseID(PhaseComplete)).
		Done().
		State(phaseID(PhaseCleanup)).
		On(EventCleaned).Target(phaseID(PhaseComplete)).
		Done().
		State(phaseID(PhaseComplete)).
		Final().
		Done().
		State(phaseID(PhaseFailed)).
		Final().
		Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build cutover machine: %w", err)
	}

	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return &CutoverMachine{interpreter: interp}, nil
}

func phaseID(p CutoverPhase) statekit.StateID {
	return statekit.StateID(p)
}

// Phase returns the current phase.
func (m *CutoverMachine) Phase() CutoverPhase {
	return CutoverPhase(m.interpreter.State().Value)
}

// Fire sends an event and returns the resulting phase. The machine has no
// self-transitions, so an unchanged phase means the event was rejected.
func (m *CutoverMachine) Fire(event statekit.EventType) (CutoverPhase, error) {
	from := m.Phase()
	m.interpreter.Send(statekit.Event{Type: event})
	to := m.Phase()
	if to == from {
		return from, fmt.Errorf("%w: %s in phase %s", ErrInvalidTransition, event, from)
	}
	return to, nil
}

// IsDone reports whether the machine reached a terminal phase.
func (m *CutoverMachine) IsDone() bool {
	return m.interpreter.Done()
}
