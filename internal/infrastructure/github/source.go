package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/go-github/v60/github"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
	rperrors "github.com/relicta-tech/promoter/internal/errors"
)

// ErrAssetMissing is returned when a release does not carry an asset an
// application needs.
var ErrAssetMissing = errors.New("release asset missing")

// Source reads releases and downloads their assets from one repository.
type Source struct {
	client *Client
	// download follows asset redirects to storage hosts. It carries no
	// GitHub credentials.
	download *http.Client
	logger   *slog.Logger
}

var (
	_ ports.ReleaseSource   = (*Source)(nil)
	_ ports.ArtifactFetcher = (*Source)(nil)
)

// NewSource creates a release source over client.
func NewSource(client *Client) *Source {
	return &Source{
		client:   client,
		download: http.DefaultClient,
		logger:   slog.Default().With("component", "github-source"),
	}
}

// Latest returns the newest published release.
func (s *Source) Latest(ctx context.Context) (domain.Release, error) {
	rel, err := execute(ctx, s.client.res, func(ctx context.Context) (*github.RepositoryRelease, error) {
		r, _, err := s.client.gh.Repositories.GetLatestRelease(ctx, s.client.owner, s.client.repo)
		return r, err
	})
	if err != nil {
		return domain.Release{}, sourceError(err, "github.Latest", "fetch latest release of "+s.client.Repository())
	}
	return toRelease(rel), nil
}

// ByTag returns the release with the given tag.
func (s *Source) ByTag(ctx context.Context, tag string) (domain.Release, error) {
	rel, err := execute(ctx, s.client.res, func(ctx context.Context) (*github.RepositoryRelease, error) {
		r, _, err := s.client.gh.Repositories.GetReleaseByTag(ctx, s.client.owner, s.client.repo, tag)
		return r, err
	})
	if err != nil {
		return domain.Release{}, sourceError(err, "github.ByTag", "fetch release "+tag)
	}
	return toRelease(rel), nil
}

// Fetch downloads the artifact of app into dir. The manifest is taken from
// the release when it ships one with the same file name, otherwise from the
// local manifest path.
func (s *Source) Fetch(ctx context.Context, release domain.Release, app domain.ApplicationDefinition, dir string) (ports.LocalArtifact, error) {
	name := app.ArtifactName(release)
	ref, ok := release.Artifact(name)
	if !ok {
		return ports.LocalArtifact{}, rperrors.ArtifactWrap(ErrAssetMissing, "github.Fetch",
			fmt.Sprintf("%s has no artifact %s", release.Tag(), name))
	}
	artifactPath := filepath.Join(dir, name)
	if err := s.downloadAsset(ctx, ref.ID, ref.Size, artifactPath); err != nil {
		return ports.LocalArtifact{}, rperrors.ArtifactWrap(err, "github.Fetch", "download "+name)
	}

	manifestPath, err := s.manifest(ctx, release, app, dir)
	if err != nil {
		return ports.LocalArtifact{}, err
	}

	s.logger.Info("artifact fetched", "app", app.Name, "release", release.Tag(), "artifact", name)
	return ports.LocalArtifact{Application: app.Name, ArtifactPath: artifactPath, ManifestPath: manifestPath}, nil
}

func (s *Source) manifest(ctx context.Context, release domain.Release, app domain.ApplicationDefinition, dir string) (string, error) {
	base := filepath.Base(app.ManifestPath)
	if ref, ok := release.Manifest(base); ok {
		path := filepath.Join(dir, base)
		if err := s.downloadAsset(ctx, ref.ID, 0, path); err != nil {
			return "", rperrors.ArtifactWrap(err, "github.Fetch", "download manifest "+base)
		}
		return path, nil
	}
	if _, err := os.Stat(app.ManifestPath); err != nil {
		return "", rperrors.ArtifactWrap(ErrAssetMissing, "github.Fetch",
			fmt.Sprintf("manifest %s is neither a release asset nor a local file", app.ManifestPath))
	}
	return app.ManifestPath, nil
}

func (s *Source) downloadAsset(ctx context.Context, id, size int64, path string) error {
	_, err := execute(ctx, s.client.res, func(ctx context.Context) (struct{}, error) {
		rc, _, err := s.client.gh.Repositories.DownloadReleaseAsset(ctx, s.client.owner, s.client.repo, id, s.download)
		if err != nil {
			return struct{}{}, err
		}
		defer rc.Close()
		return struct{}{}, writeFile(rc, path, size)
	})
	return err
}

// writeFile streams r to path through a temp file and renames it into place.
func writeFile(r io.Reader, path string, size int64) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil && size > 0 && n != size {
		copyErr = fmt.Errorf("short download: got %d of %d bytes", n, size)
	}
	if copyErr != nil {
		_ = os.Remove(tmp)
		return copyErr
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

func toRelease(r *github.RepositoryRelease) domain.Release {
	var (
		artifacts []domain.ArtifactRef
		manifests []domain.ManifestRef
	)
	for _, a := range r.Assets {
		if domain.IsManifestName(a.GetName()) {
			manifests = append(manifests, domain.ManifestRef{Name: a.GetName(), URL: a.GetBrowserDownloadURL(), ID: a.GetID()})
			continue
		}
		artifacts = append(artifacts, domain.ArtifactRef{
			Name: a.GetName(),
			URL:  a.GetBrowserDownloadURL(),
			ID:   a.GetID(),
			Size: int64(a.GetSize()),
		})
	}
	return domain.NewRelease(r.GetTagName(), artifacts, manifests, r.GetPublishedAt().Time)
}

func sourceError(err error, op, msg string) error {
	if statusCode(err) == http.StatusNotFound {
		return rperrors.NotFoundWrap(err, op, msg)
	}
	return rperrors.SourceWrap(rperrors.RedactError(err), op, msg)
}
