package domain

import (
	"fmt"
	"strings"
)

// TargetKind names the role a deployment target plays in a plan.
type TargetKind string

const (
	TargetDev     TargetKind = "dev"
	TargetNonprod TargetKind = "nonprod"
	TargetProd    TargetKind = "prod"
)

// IsProduction reports whether changes to this kind of target require approval.
func (k TargetKind) IsProduction() bool {
	return k == TargetProd
}

// Strategy is how an application is replaced on a target.
type Strategy string

const (
	// StrategyBlueGreen stages a second instance and moves the route to it.
	StrategyBlueGreen Strategy = "blue-green"
	// StrategyRedeploy pushes over the live instance in place.
	StrategyRedeploy Strategy = "redeploy"
)

// IsValid returns true if the strategy is known.
func (s Strategy) IsValid() bool {
	return s == StrategyBlueGreen || s == StrategyRedeploy
}

// Foundation is an independently addressable platform installation.
// Credentials are read-only and may be shared by concurrent cutovers.
type Foundation struct {
	Name     string
	API      string
	Username string
	Password string
}

// String never includes the password.
func (f Foundation) String() string {
	return fmt.Sprintf("%s(%s as %s)", f.Name, f.API, f.Username)
}

// DeploymentTarget is one (foundation, org, space) an application can be
// deployed into.
type DeploymentTarget struct {
	Kind       TargetKind
	Foundation Foundation
	Org        string
	Space      string
	// Domain is appended to bare route hostnames.
	Domain   string
	Strategy Strategy
}

// Name returns the ledger identifier of the target.
func (t DeploymentTarget) Name() string {
	return string(t.Kind)
}

// ApplicationDefinition is one independently deployable application.
type ApplicationDefinition struct {
	Name            string
	ManifestPath    string
	ArtifactPattern string
	// Routes maps target kinds to the production-facing route of the app.
	Routes map[TargetKind]string
}

// VersionPlaceholder is substituted in artifact patterns.
const VersionPlaceholder = "{version}"

// ArtifactName returns the artifact name for a release.
func (a ApplicationDefinition) ArtifactName(r Release) string {
	name := strings.ReplaceAll(a.ArtifactPattern, VersionPlaceholder, r.Version())
	return strings.ReplaceAll(name, "{tag}", r.Tag())
}

// Route resolves the route of the application on a target. Hostnames
// without a dot are qualified with the target domain.
func (a ApplicationDefinition) Route(t DeploymentTarget) string {
	route := a.Routes[t.Kind]
	if route == "" {
		return ""
	}
	if !strings.Contains(route, ".") && t.Domain != "" {
		return route + "." + t.Domain
	}
	return route
}
