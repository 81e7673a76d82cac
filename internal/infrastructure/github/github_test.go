package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	rperrors "github.com/relicta-tech/promoter/internal/errors"
)

const releaseJSON = `{
  "tag_name": "v1.2.0",
  "published_at": "2026-05-01T10:00:00Z",
  "assets": [
    {"id": 11, "name": "api-1.2.0.jar", "size": 5, "browser_download_url": "https://example.com/api.jar"},
    {"id": 12, "name": "manifest.yml", "size": 9}
  ]
}`

func newTestClient(t *testing.T, mux *http.ServeMux, res ResilienceConfig) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := NewClient(context.Background(), Config{
		Repository: "acme/app",
		Token:      "test-token",
		APIURL:     srv.URL + "/",
		Resilience: res,
	})
	require.NoError(t, err)
	return c
}

func TestNewClient_RejectsBadRepository(t *testing.T) {
	_, err := NewClient(context.Background(), Config{Repository: "no-slash"})
	require.Error(t, err)
	assert.True(t, rperrors.IsKind(err, rperrors.KindConfig))
}

func TestSource_LatestParsesAssets(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/app/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(releaseJSON))
	})
	src := NewSource(newTestClient(t, mux, ResilienceConfig{}))

	rel, err := src.Latest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "v1.2.0", rel.Tag())
	assert.Equal(t, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), rel.PublishedAt().UTC())
	require.Len(t, rel.Artifacts(), 1)
	assert.Equal(t, int64(11), rel.Artifacts()[0].ID)
	assert.Equal(t, int64(5), rel.Artifacts()[0].Size)
	require.Len(t, rel.Manifests(), 1)
	assert.Equal(t, "manifest.yml", rel.Manifests()[0].Name)
}

func TestSource_ByTagNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/app/releases/tags/v9.9.9", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	})
	src := NewSource(newTestClient(t, mux, ResilienceConfig{RetryAttempts: 3, RetryInitialWait: time.Millisecond, RetryMaxWait: time.Millisecond}))

	_, err := src.ByTag(context.Background(), "v9.9.9")
	require.Error(t, err)
	assert.True(t, rperrors.IsKind(err, rperrors.KindNotFound))
	assert.False(t, rperrors.IsRecoverable(err))
}

func TestSource_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/app/releases/tags/v1.2.0", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(releaseJSON))
	})
	src := NewSource(newTestClient(t, mux, ResilienceConfig{RetryAttempts: 3, RetryInitialWait: time.Millisecond, RetryMaxWait: 2 * time.Millisecond}))

	rel, err := src.ByTag(context.Background(), "v1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", rel.Tag())
	assert.Equal(t, int32(2), calls.Load())
}

func TestSource_ServerErrorIsRecoverable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/app/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	src := NewSource(newTestClient(t, mux, ResilienceConfig{}))

	_, err := src.Latest(context.Background())
	require.Error(t, err)
	assert.True(t, rperrors.IsKind(err, rperrors.KindSource))
	assert.True(t, rperrors.IsRecoverable(err))
}

func assetMux(t *testing.T) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/app/releases/tags/v1.2.0", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(releaseJSON))
	})
	mux.HandleFunc("/api/v3/repos/acme/app/releases/assets/11", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/octet-stream", r.Header.Get("Accept"))
		_, _ = w.Write([]byte("hello"))
	})
	mux.HandleFunc("/api/v3/repos/acme/app/releases/assets/12", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("applications: []"))
	})
	return mux
}

func TestSource_FetchDownloadsArtifactAndManifest(t *testing.T) {
	src := NewSource(newTestClient(t, assetMux(t), ResilienceConfig{}))
	rel, err := src.ByTag(context.Background(), "v1.2.0")
	require.NoError(t, err)

	dir := t.TempDir()
	app := domain.ApplicationDefinition{Name: "api", ManifestPath: "deploy/manifest.yml", ArtifactPattern: "api-{version}.jar"}
	got, err := src.Fetch(context.Background(), rel, app, dir)
	require.NoError(t, err)

	assert.Equal(t, "api", got.Application)
	assert.Equal(t, filepath.Join(dir, "api-1.2.0.jar"), got.ArtifactPath)
	data, err := os.ReadFile(got.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	manifest, err := os.ReadFile(got.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, "applications: []", string(manifest))
	_, err = os.Stat(got.ArtifactPath + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestSource_FetchFallsBackToLocalManifest(t *testing.T) {
	src := NewSource(newTestClient(t, assetMux(t), ResilienceConfig{}))
	rel, err := src.ByTag(context.Background(), "v1.2.0")
	require.NoError(t, err)

	local := filepath.Join(t.TempDir(), "api-manifest.yaml")
	require.NoError(t, os.WriteFile(local, []byte("local"), 0o644))
	app := domain.ApplicationDefinition{Name: "api", ManifestPath: local, ArtifactPattern: "api-{version}.jar"}

	got, err := src.Fetch(context.Background(), rel, app, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, local, got.ManifestPath)
}

func TestSource_FetchMissingAsset(t *testing.T) {
	src := NewSource(newTestClient(t, assetMux(t), ResilienceConfig{}))
	rel, err := src.ByTag(context.Background(), "v1.2.0")
	require.NoError(t, err)

	tests := []struct {
		name string
		app  domain.ApplicationDefinition
	}{
		{"artifact", domain.ApplicationDefinition{Name: "web", ManifestPath: "manifest.yml", ArtifactPattern: "web-{version}.jar"}},
		{"manifest", domain.ApplicationDefinition{Name: "api", ManifestPath: "/nonexistent/other.yml", ArtifactPattern: "api-{version}.jar"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := src.Fetch(context.Background(), rel, tt.app, t.TempDir())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAssetMissing)
			assert.True(t, rperrors.IsKind(err, rperrors.KindArtifact))
		})
	}
}

func TestNotifier_PostsDeploymentLifecycle(t *testing.T) {
	var (
		mu       sync.Mutex
		created  map[string]any
		statuses []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/app/deployments", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		mu.Lock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 42}`))
	})
	mux.HandleFunc("/api/v3/repos/acme/app/deployments/42/statuses", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		statuses = append(statuses, body["state"])
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 1}`))
	})
	n := NewNotifier(newTestClient(t, mux, ResilienceConfig{}))

	pending := domain.PendingApproval{
		RunID:      "run-1",
		ReleaseTag: "v1.2.0",
		Stage:      "prod",
		Pairs:      []domain.PairKey{{Application: "api", Target: "prod"}},
	}
	require.NoError(t, n.GatePending(context.Background(), pending))
	require.NoError(t, n.GateResolved(context.Background(), pending, domain.Signal{Decision: domain.DecisionRejected, Reviewer: "alice"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "v1.2.0", created["ref"])
	assert.Equal(t, "prod", created["environment"])
	assert.Equal(t, true, created["production_environment"])
	assert.Equal(t, []string{statePending, stateFailure}, statuses)
}

func TestNotifier_ResolveWithoutPending(t *testing.T) {
	n := NewNotifier(newTestClient(t, http.NewServeMux(), ResilienceConfig{}))
	err := n.GateResolved(context.Background(), domain.PendingApproval{RunID: "x", Stage: "prod"}, domain.Signal{Decision: domain.DecisionApproved})
	assert.True(t, rperrors.IsKind(err, rperrors.KindState))
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.False(t, isRetryableError(context.Canceled))
	assert.True(t, isRetryableError(assert.AnError))
	assert.True(t, IsRetryableHTTPStatus(http.StatusTooManyRequests))
	assert.False(t, IsRetryableHTTPStatus(http.StatusForbidden))
}

func TestResilience_DisabledState(t *testing.T) {
	r := NewResilience(ResilienceConfig{})
	assert.Equal(t, "disabled", r.CircuitBreakerState())
	assert.NoError(t, r.Close())

	r = NewResilience(DefaultResilienceConfig())
	assert.Equal(t, "closed", r.CircuitBreakerState())
	assert.NoError(t, r.Close())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
