package app

import (
	"errors"
	"testing"
	"time"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
)

func stageShape(plan domain.DeploymentPlan) []string {
	var out []string
	for _, s := range plan.Stages {
		desc := s.Name + ":"
		for _, p := range s.Pairs {
			desc += " " + p.Key().String()
		}
		if s.Gated {
			desc += " [gated]"
		}
		out = append(out, desc)
	}
	return out
}

func TestPlanner_Plan(t *testing.T) {
	apps := []domain.ApplicationDefinition{appDef("api"), appDef("web")}
	release := domain.NewRelease("v1.2.0", nil, nil, time.Time{})

	tests := []struct {
		name    string
		mode    domain.FoundationMode
		targets []domain.DeploymentTarget
		policy  domain.Policy
		want    []string
	}{
		{
			name:    "single foundation",
			mode:    domain.ModeSingle,
			targets: singleTargets(),
			policy:  domain.Policy{Applications: []int{0}},
			want:    []string{"dev: api@dev", "prod: api@prod [gated]"},
		},
		{
			name:    "dual foundation both apps",
			mode:    domain.ModeDual,
			targets: dualTargets(),
			policy:  domain.Policy{Applications: []int{0, 1}},
			want:    []string{"nonprod: api@nonprod web@nonprod", "prod: api@prod web@prod [gated]"},
		},
		{
			name:    "skip nonprod",
			mode:    domain.ModeDual,
			targets: dualTargets(),
			policy:  domain.Policy{Applications: []int{0, 1}, SkipNonprod: true},
			want:    []string{"prod: api@prod web@prod [gated]"},
		},
		{
			name:    "second app only",
			mode:    domain.ModeDual,
			targets: dualTargets(),
			policy:  domain.Policy{Applications: []int{1}},
			want:    []string{"nonprod: web@nonprod", "prod: web@prod [gated]"},
		},
		{
			name:    "duplicate selection",
			mode:    domain.ModeSingle,
			targets: singleTargets(),
			policy:  domain.Policy{Applications: []int{1, 1}},
			want:    []string{"dev: web@dev", "prod: web@prod [gated]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := NewPlanner(tt.mode, apps, tt.targets).Plan(release, tt.policy)
			if err != nil {
				t.Fatalf("Plan() error = %v", err)
			}
			got := stageShape(plan)
			if len(got) != len(tt.want) {
				t.Fatalf("Plan() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("stage %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
			if plan.Policy.Mode != tt.mode {
				t.Errorf("Policy.Mode = %v, want %v", plan.Policy.Mode, tt.mode)
			}
		})
	}
}

func TestPlanner_PlanErrors(t *testing.T) {
	apps := []domain.ApplicationDefinition{appDef("api")}
	release := domain.NewRelease("v1.2.0", nil, nil, time.Time{})

	tests := []struct {
		name    string
		targets []domain.DeploymentTarget
		policy  domain.Policy
		want    error
	}{
		{"zero applications", singleTargets(), domain.Policy{}, domain.ErrNoApplications},
		{"position out of range", singleTargets(), domain.Policy{Applications: []int{1}}, domain.ErrUnknownApplication},
		{"negative position", singleTargets(), domain.Policy{Applications: []int{-1}}, domain.ErrUnknownApplication},
		{"missing prod target", []domain.DeploymentTarget{newTarget(domain.TargetDev, "cf")}, domain.Policy{Applications: []int{0}}, domain.ErrInvalidPlan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlanner(domain.ModeSingle, apps, tt.targets).Plan(release, tt.policy)
			if !errors.Is(err, tt.want) {
				t.Errorf("Plan() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPlanner_HardGate(t *testing.T) {
	p := NewPlanner(domain.ModeDual, []domain.ApplicationDefinition{appDef("api")}, dualTargets())
	plan, err := p.Plan(domain.NewRelease("v1.0.0", nil, nil, time.Time{}), domain.Policy{Applications: p.AllApplications(), HardGate: true})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	for _, s := range plan.Stages {
		if !s.HardGate {
			t.Errorf("stage %s HardGate = false", s.Name)
		}
	}
}
