package ports

import (
	"context"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
)

// ReleaseSource provides upstream release metadata.
type ReleaseSource interface {
	// Latest returns the most recent published release.
	Latest(ctx context.Context) (domain.Release, error)

	// ByTag returns the release with the given tag.
	ByTag(ctx context.Context, tag string) (domain.Release, error)
}

// LocalArtifact is a release artifact and its manifest resolved to local files.
type LocalArtifact struct {
	Application  string
	ArtifactPath string
	ManifestPath string
}

// ArtifactFetcher downloads the deployable files of a release.
type ArtifactFetcher interface {
	// Fetch resolves the artifact and manifest for app into dir.
	Fetch(ctx context.Context, release domain.Release, app domain.ApplicationDefinition, dir string) (LocalArtifact, error)
}
