// Package app provides application services (use cases) for release promotion.
package app

import (
	"fmt"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
)

// Stage names used in plans.
const (
	StageDev     = "dev"
	StageNonprod = "nonprod"
	StageProd    = "prod"
)

// Planner builds deployment plans from the configured applications and
// targets. Applications are addressed by position.
type Planner struct {
	mode    domain.FoundationMode
	apps    []domain.ApplicationDefinition
	targets map[domain.TargetKind]domain.DeploymentTarget
}

// NewPlanner creates a planner for one deployment family.
func NewPlanner(mode domain.FoundationMode, apps []domain.ApplicationDefinition, targets []domain.DeploymentTarget) *Planner {
	byKind := make(map[domain.TargetKind]domain.DeploymentTarget, len(targets))
	for _, t := range targets {
		byKind[t.Kind] = t
	}
	return &Planner{
		mode:    mode,
		apps:    append([]domain.ApplicationDefinition(nil), apps...),
		targets: byKind,
	}
}

// Applications returns the configured applications in position order.
func (p *Planner) Applications() []domain.ApplicationDefinition {
	return append([]domain.ApplicationDefinition(nil), p.apps...)
}

// Mode returns the deployment family.
func (p *Planner) Mode() domain.FoundationMode {
	return p.mode
}

// Plan builds the ordered stages for release under policy. Selecting zero
// applications is rejected before any stage is built.
func (p *Planner) Plan(release domain.Release, policy domain.Policy) (domain.DeploymentPlan, error) {
	apps, err := p.selectApplications(policy.Applications)
	if err != nil {
		return domain.DeploymentPlan{}, err
	}

	mode := policy.Mode
	if mode == "" {
		mode = p.mode
	}
	policy.Mode = mode

	first := domain.TargetNonprod
	firstName := StageNonprod
	if mode == domain.ModeSingle {
		first = domain.TargetDev
		firstName = StageDev
	}

	var stages []domain.Stage
	if !policy.SkipNonprod {
		s, err := p.stage(firstName, first, apps, false, policy.HardGate)
		if err != nil {
			return domain.DeploymentPlan{}, err
		}
		stages = append(stages, s)
	}
	prod, err := p.stage(StageProd, domain.TargetProd, apps, true, policy.HardGate)
	if err != nil {
		return domain.DeploymentPlan{}, err
	}
	stages = append(stages, prod)

	plan := domain.DeploymentPlan{Release: release, Stages: stages, Policy: policy}
	if err := plan.Validate(); err != nil {
		return domain.DeploymentPlan{}, err
	}
	return plan, nil
}

func (p *Planner) selectApplications(positions []int) ([]domain.ApplicationDefinition, error) {
	if len(positions) == 0 {
		return nil, domain.ErrNoApplications
	}
	seen := make(map[int]bool, len(positions))
	var apps []domain.ApplicationDefinition
	for _, pos := range positions {
		if pos < 0 || pos >= len(p.apps) {
			return nil, fmt.Errorf("%w: position %d (have %d)", domain.ErrUnknownApplication, pos+1, len(p.apps))
		}
		if seen[pos] {
			continue
		}
		seen[pos] = true
		apps = append(apps, p.apps[pos])
	}
	return apps, nil
}

func (p *Planner) stage(name string, kind domain.TargetKind, apps []domain.ApplicationDefinition, gated, hard bool) (domain.Stage, error) {
	target, ok := p.targets[kind]
	if !ok {
		return domain.Stage{}, fmt.Errorf("%w: no %s target configured", domain.ErrInvalidPlan, kind)
	}
	pairs := make([]domain.Pair, 0, len(apps))
	for _, app := range apps {
		pairs = append(pairs, domain.Pair{App: app, Target: target})
	}
	return domain.Stage{Name: name, Pairs: pairs, Gated: gated, HardGate: hard}, nil
}

// AllApplications returns a selection of every configured application.
func (p *Planner) AllApplications() []int {
	out := make([]int, len(p.apps))
	for i := range p.apps {
		out[i] = i
	}
	return out
}
