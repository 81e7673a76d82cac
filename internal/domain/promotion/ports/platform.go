package ports

import (
	"context"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
)

// HealthStatus is the readiness signal reported for an instance.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthStarting  HealthStatus = "starting"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// PushRequest describes one instance push.
type PushRequest struct {
	Application  string
	InstanceName string
	ManifestPath string
	ArtifactPath string
	// NoRoute pushes without binding any route.
	NoRoute bool
	// Version is recorded on the instance so later runs can identify it.
	Version string
}

// Platform is the target platform. Its operations are opaque; the
// orchestrator only relies on their pre and post conditions.
type Platform interface {
	// Push creates or replaces an instance.
	Push(ctx context.Context, target domain.DeploymentTarget, req PushRequest) error

	// QueryHealth reports the readiness of an instance.
	QueryHealth(ctx context.Context, target domain.DeploymentTarget, instance string) (HealthStatus, error)

	// MapRoute adds route to instance without removing existing mappings.
	MapRoute(ctx context.Context, target domain.DeploymentTarget, route, instance string) error

	// UnmapRoute removes route from instance.
	UnmapRoute(ctx context.Context, target domain.DeploymentTarget, route, instance string) error

	// StopInstance stops a running instance.
	StopInstance(ctx context.Context, target domain.DeploymentTarget, instance string) error

	// DeleteInstance removes an instance.
	DeleteInstance(ctx context.Context, target domain.DeploymentTarget, instance string) error

	// FindInstance looks up an instance by name.
	FindInstance(ctx context.Context, target domain.DeploymentTarget, instance string) (domain.Instance, bool, error)
}
