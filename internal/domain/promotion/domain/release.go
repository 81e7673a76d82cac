// Package domain provides the core domain model for release promotion:
// releases, deployment targets, plans, cutovers and their outcomes.
package domain

import (
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ArtifactRef points at one downloadable artifact of a release.
type ArtifactRef struct {
	Name string
	URL  string
	ID   int64
	Size int64
}

// ManifestRef points at one deployment manifest shipped with a release.
type ManifestRef struct {
	Name string
	URL  string
	ID   int64
}

// Release is an upstream release. It is immutable once fetched.
type Release struct {
	tag         string
	version     *semver.Version
	artifacts   []ArtifactRef
	manifests   []ManifestRef
	publishedAt time.Time
}

// NewRelease creates a release. Tags that are not semantic versions are
// accepted but cannot be ordered against other releases.
func NewRelease(tag string, artifacts []ArtifactRef, manifests []ManifestRef, publishedAt time.Time) Release {
	r := Release{
		tag:         tag,
		artifacts:   append([]ArtifactRef(nil), artifacts...),
		manifests:   append([]ManifestRef(nil), manifests...),
		publishedAt: publishedAt,
	}
	if v, err := semver.NewVersion(tag); err == nil {
		r.version = v
	}
	return r
}

// Tag returns the release identifier.
func (r Release) Tag() string { return r.tag }

// IsZero reports whether the release is unset.
func (r Release) IsZero() bool { return r.tag == "" }

// Version returns the tag without a leading "v", which is what artifact
// names embed.
func (r Release) Version() string {
	if r.version != nil {
		return r.version.String()
	}
	return strings.TrimPrefix(r.tag, "v")
}

// PublishedAt returns when the release was published upstream.
func (r Release) PublishedAt() time.Time { return r.publishedAt }

// Artifacts returns a copy of the ordered artifact references.
func (r Release) Artifacts() []ArtifactRef {
	return append([]ArtifactRef(nil), r.artifacts...)
}

// Manifests returns a copy of the ordered manifest references.
func (r Release) Manifests() []ManifestRef {
	return append([]ManifestRef(nil), r.manifests...)
}

// Artifact finds an artifact by exact name.
func (r Release) Artifact(name string) (ArtifactRef, bool) {
	for _, a := range r.artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return ArtifactRef{}, false
}

// Manifest finds a manifest by exact name.
func (r Release) Manifest(name string) (ManifestRef, bool) {
	for _, m := range r.manifests {
		if m.Name == name {
			return m, true
		}
	}
	return ManifestRef{}, false
}

// CompareTags orders two release tags by semantic version. The boolean is
// false when either tag is not a semantic version.
func CompareTags(a, b string) (int, bool) {
	va, err := semver.NewVersion(a)
	if err != nil {
		return 0, false
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return 0, false
	}
	return va.Compare(vb), true
}

// IsManifestName reports whether a release asset name looks like a
// deployment manifest rather than a deployable artifact.
func IsManifestName(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}
