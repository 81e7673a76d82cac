package domain

import (
	"errors"
	"testing"

	"github.com/felixgeelhaar/statekit"
)

func TestNewCutoverMachine_StartsIdle(t *testing.T) {
	m, err := NewCutoverMachine()
	if err != nil {
		t.Fatalf("NewCutoverMachine() error = %v", err)
	}
	if m.Phase() != PhaseIdle {
		t.Errorf("Phase() = %v, want %v", m.Phase(), PhaseIdle)
	}
	if m.IsDone() {
		t.Error("IsDone() = true in idle phase, want false")
	}
}

func TestCutoverMachine_Paths(t *testing.T) {
	tests := []struct {
		name   string
		events []statekit.EventType
		want   CutoverPhase
	}{
		{
			name:   "full blue-green",
			events: []statekit.EventType{EventStage, EventStaged, EventHealthy, EventSwitched, EventDrained, EventCleaned},
			want:   PhaseComplete,
		},
		{
			name:   "first deployment skips draining and cleanup",
			events: []statekit.EventType{EventStage, EventStaged, EventHealthy, EventSwitchedFirst},
			want:   PhaseComplete,
		},
		{
			name:   "in-place redeploy",
			events: []statekit.EventType{EventStage, EventStaged, EventRedeployed},
			want:   PhaseComplete,
		},
		{
			name:   "degraded drain still completes",
			events: []statekit.EventType{EventStage, EventStaged, EventHealthy, EventSwitched, EventDrainDegraded},
			want:   PhaseComplete,
		},
		{
			name:   "staging failure",
			events: []statekit.EventType{EventStage, EventFail},
			want:   PhaseFailed,
		},
		{
			name:   "health failure",
			events: []statekit.EventType{EventStage, EventStaged, EventFail},
			want:   PhaseFailed,
		},
		{
			name:   "switch failure",
			events: []statekit.EventType{EventStage, EventStaged, EventHealthy, EventFail},
			want:   PhaseFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewCutoverMachine()
			if err != nil {
				t.Fatalf("NewCutoverMachine() error = %v", err)
			}
			for _, ev := range tt.events {
				if _, err := m.Fire(ev); err != nil {
					t.Fatalf("Fire(%s) error = %v", ev, err)
				}
			}
			if m.Phase() != tt.want {
				t.Errorf("Phase() = %v, want %v", m.Phase(), tt.want)
			}
			if !m.IsDone() {
				t.Error("IsDone() = false in terminal phase")
			}
		})
	}
}

func TestCutoverMachine_RejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		prefix  []statekit.EventType
		invalid statekit.EventType
	}{
		{"switch before health", []statekit.EventType{EventStage, EventStaged}, EventSwitched},
		{"healthy from idle", nil, EventHealthy},
		{"fail while draining", []statekit.EventType{EventStage, EventStaged, EventHealthy, EventSwitched}, EventFail},
		{"fail during cleanup", []statekit.EventType{EventStage, EventStaged, EventHealthy, EventSwitched, EventDrained}, EventFail},
		{"anything after complete", []statekit.EventType{EventStage, EventStaged, EventRedeployed}, EventStage},
		{"anything after failed", []statekit.EventType{EventStage, EventFail}, EventStaged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewCutoverMachine()
			if err != nil {
				t.Fatalf("NewCutoverMachine() error = %v", err)
			}
			for _, ev := range tt.prefix {
				if _, err := m.Fire(ev); err != nil {
					t.Fatalf("Fire(%s) error = %v", ev, err)
				}
			}
			before := m.Phase()
			_, err = m.Fire(tt.invalid)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Fire(%s) error = %v, want ErrInvalidTransition", tt.invalid, err)
			}
			if m.Phase() != before {
				t.Errorf("Phase() = %v after rejected event, want %v", m.Phase(), before)
			}
		})
	}
}
