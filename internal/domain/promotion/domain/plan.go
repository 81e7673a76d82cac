package domain

import "fmt"

// PairKey identifies one (application, target) pair. It is the ledger key
// and the unit of mutual exclusion for cutovers.
type PairKey struct {
	Application string `json:"application"`
	Target      string `json:"target"`
}

// String returns "app@target".
func (k PairKey) String() string {
	return k.Application + "@" + k.Target
}

// Pair is one application deployed to one target.
type Pair struct {
	App    ApplicationDefinition
	Target DeploymentTarget
}

// Key returns the pair identity.
func (p Pair) Key() PairKey {
	return PairKey{Application: p.App.Name, Target: p.Target.Name()}
}

// Route returns the production-facing route for the pair.
func (p Pair) Route() string {
	return p.App.Route(p.Target)
}

// Stage is a set of independent pairs executed concurrently.
type Stage struct {
	Name  string
	Pairs []Pair
	// Gated stages wait for approval before any pair is dispatched.
	Gated bool
	// HardGate halts the plan when any pair in the stage fails.
	HardGate bool
}

// AffectsProduction reports whether any pair deploys to production.
func (s Stage) AffectsProduction() bool {
	for _, p := range s.Pairs {
		if p.Target.Kind.IsProduction() {
			return true
		}
	}
	return false
}

// FoundationMode selects the deployment family.
type FoundationMode string

const (
	// ModeSingle deploys dev and prod spaces on one foundation.
	ModeSingle FoundationMode = "single"
	// ModeDual deploys to separate nonprod and prod foundations.
	ModeDual FoundationMode = "dual"
)

// IsValid returns true if the mode is known.
func (m FoundationMode) IsValid() bool {
	return m == ModeSingle || m == ModeDual
}

// Policy controls how a plan is built for a run.
type Policy struct {
	Mode FoundationMode
	// Applications selects which configured applications (by position) are
	// included in the run.
	Applications []int
	SkipNonprod  bool
	// HardGate marks every stage as a hard gate, for applications that
	// depend on one another.
	HardGate bool
}

// DeploymentPlan is an ordered list of stages. Stages run strictly in order.
type DeploymentPlan struct {
	Release Release
	Stages  []Stage
	Policy  Policy
}

// Pairs returns every pair in plan order.
func (p DeploymentPlan) Pairs() []Pair {
	var out []Pair
	for _, s := range p.Stages {
		out = append(out, s.Pairs...)
	}
	return out
}

// Applications returns the distinct application names in the plan.
func (p DeploymentPlan) Applications() []string {
	seen := make(map[string]bool)
	var names []string
	for _, pair := range p.Pairs() {
		if !seen[pair.App.Name] {
			seen[pair.App.Name] = true
			names = append(names, pair.App.Name)
		}
	}
	return names
}

// Validate checks the ordering invariant: no nonprod stage may follow a
// production stage, and production stages must be gated.
func (p DeploymentPlan) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("%w: plan has no stages", ErrInvalidPlan)
	}
	seenProd := false
	for _, s := range p.Stages {
		if len(s.Pairs) == 0 {
			return fmt.Errorf("%w: stage %q has no pairs", ErrInvalidPlan, s.Name)
		}
		if s.AffectsProduction() {
			if !s.Gated {
				return fmt.Errorf("%w: production stage %q is not gated", ErrInvalidPlan, s.Name)
			}
			seenProd = true
			continue
		}
		if seenProd {
			return fmt.Errorf("%w: stage %q follows a production stage", ErrInvalidPlan, s.Name)
		}
	}
	return nil
}
