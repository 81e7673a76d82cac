package cf

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
	rperrors "github.com/relicta-tech/promoter/internal/errors"
)

// ReleaseLabel is the metadata label carrying an instance's release tag.
const ReleaseLabel = "promoter.release"

// Credentials authenticate against one foundation.
type Credentials struct {
	Username          string
	Password          string
	SkipSSLValidation bool
}

// session is one logged-in CF_HOME, targeting an org and space.
type session struct {
	mu    sync.Mutex
	home  string
	ready bool
}

// Platform implements ports.Platform with the cf CLI. Every foundation,
// org and space combination gets its own CF_HOME, so concurrent pairs never
// share a targeted session.
type Platform struct {
	runner  Runner
	homeDir string
	creds   map[string]Credentials
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

var _ ports.Platform = (*Platform)(nil)

// NewPlatform creates a platform adapter. creds is keyed by foundation name
// and overrides the credentials carried by targets; homeDir holds the
// per-session CF_HOME directories.
func NewPlatform(runner Runner, homeDir string, creds map[string]Credentials) *Platform {
	return &Platform{
		runner:   runner,
		homeDir:  homeDir,
		creds:    creds,
		logger:   slog.Default().With("component", "cf"),
		sessions: make(map[string]*session),
	}
}

func sessionKey(t domain.DeploymentTarget) string {
	return t.Foundation.Name + "_" + t.Org + "_" + t.Space
}

// run executes args in the session for t, logging in first if needed.
func (p *Platform) run(ctx context.Context, t domain.DeploymentTarget, args ...string) ([]byte, error) {
	s, err := p.session(ctx, t)
	if err != nil {
		return nil, err
	}
	return p.runner.Run(ctx, []string{"CF_HOME=" + s.home}, args...)
}

func (p *Platform) session(ctx context.Context, t domain.DeploymentTarget) (*session, error) {
	key := sessionKey(t)
	p.mu.Lock()
	s, ok := p.sessions[key]
	if !ok {
		s = &session{home: filepath.Join(p.homeDir, sanitize(key))}
		p.sessions[key] = s
	}
	p.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return s, nil
	}
	if err := p.login(ctx, t, s.home); err != nil {
		return nil, err
	}
	s.ready = true
	return s, nil
}

func (p *Platform) login(ctx context.Context, t domain.DeploymentTarget, home string) error {
	creds, ok := p.creds[t.Foundation.Name]
	if !ok && t.Foundation.Username != "" {
		creds, ok = Credentials{Username: t.Foundation.Username, Password: t.Foundation.Password}, true
	}
	if !ok {
		return rperrors.Config("cf.login", "no credentials for foundation "+t.Foundation.Name)
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		return rperrors.IOWrap(err, "cf.login", "create CF_HOME")
	}
	env := []string{"CF_HOME=" + home}

	apiArgs := []string{"api", t.Foundation.API}
	if creds.SkipSSLValidation {
		apiArgs = append(apiArgs, "--skip-ssl-validation")
	}
	if _, err := p.runner.Run(ctx, env, apiArgs...); err != nil {
		return platformError(err, "cf.login", "set API endpoint "+t.Foundation.API)
	}
	// cf auth reads CF_USERNAME and CF_PASSWORD when called without arguments.
	authEnv := append(env, "CF_USERNAME="+creds.Username, "CF_PASSWORD="+creds.Password)
	if _, err := p.runner.Run(ctx, authEnv, "auth"); err != nil {
		return platformError(err, "cf.login", "authenticate to "+t.Foundation.String())
	}
	if _, err := p.runner.Run(ctx, env, "target", "-o", t.Org, "-s", t.Space); err != nil {
		return platformError(err, "cf.login", fmt.Sprintf("target %s/%s", t.Org, t.Space))
	}
	p.logger.Info("logged in", "foundation", t.Foundation.Name, "org", t.Org, "space", t.Space)
	return nil
}

// Push creates or replaces an instance and labels it with its release.
func (p *Platform) Push(ctx context.Context, t domain.DeploymentTarget, req ports.PushRequest) error {
	args := []string{"push", req.InstanceName}
	if req.ManifestPath != "" {
		args = append(args, "-f", req.ManifestPath)
	}
	if req.ArtifactPath != "" {
		args = append(args, "-p", req.ArtifactPath)
	}
	if req.NoRoute {
		args = append(args, "--no-route")
	}
	if _, err := p.run(ctx, t, args...); err != nil {
		return platformError(err, "cf.Push", "push "+req.InstanceName)
	}
	if req.Version != "" {
		if _, err := p.run(ctx, t, "set-label", "app", req.InstanceName, ReleaseLabel+"="+req.Version); err != nil {
			return platformError(err, "cf.Push", "label "+req.InstanceName)
		}
	}
	return nil
}

type processStats struct {
	Resources []struct {
		State string `json:"state"`
	} `json:"resources"`
}

// QueryHealth reports healthy when every web process instance is running,
// unhealthy when any crashed, and starting otherwise.
func (p *Platform) QueryHealth(ctx context.Context, t domain.DeploymentTarget, instance string) (ports.HealthStatus, error) {
	guid, err := p.guid(ctx, t, instance)
	if err != nil {
		return "", err
	}
	out, err := p.run(ctx, t, "curl", "/v3/apps/"+guid+"/processes/web/stats")
	if err != nil {
		return "", platformError(err, "cf.QueryHealth", "stats of "+instance)
	}
	var stats processStats
	if err := json.Unmarshal(out, &stats); err != nil {
		return "", rperrors.PlatformWrap(err, "cf.QueryHealth", "parse stats of "+instance)
	}
	return healthOf(stats), nil
}

func healthOf(stats processStats) ports.HealthStatus {
	if len(stats.Resources) == 0 {
		return ports.HealthStarting
	}
	running := 0
	for _, r := range stats.Resources {
		switch r.State {
		case "RUNNING":
			running++
		case "CRASHED":
			return ports.HealthUnhealthy
		}
	}
	if running == len(stats.Resources) {
		return ports.HealthHealthy
	}
	return ports.HealthStarting
}

// MapRoute maps route to instance.
func (p *Platform) MapRoute(ctx context.Context, t domain.DeploymentTarget, route, instance string) error {
	host, dom := splitRoute(route, t.Domain)
	args := []string{"map-route", instance, dom}
	if host != "" {
		args = append(args, "--hostname", host)
	}
	if _, err := p.run(ctx, t, args...); err != nil {
		return platformError(err, "cf.MapRoute", fmt.Sprintf("map %s to %s", route, instance))
	}
	return nil
}

// UnmapRoute removes route from instance.
func (p *Platform) UnmapRoute(ctx context.Context, t domain.DeploymentTarget, route, instance string) error {
	host, dom := splitRoute(route, t.Domain)
	args := []string{"unmap-route", instance, dom}
	if host != "" {
		args = append(args, "--hostname", host)
	}
	if _, err := p.run(ctx, t, args...); err != nil {
		return platformError(err, "cf.UnmapRoute", fmt.Sprintf("unmap %s from %s", route, instance))
	}
	return nil
}

// StopInstance stops instance.
func (p *Platform) StopInstance(ctx context.Context, t domain.DeploymentTarget, instance string) error {
	if _, err := p.run(ctx, t, "stop", instance); err != nil {
		return platformError(err, "cf.StopInstance", "stop "+instance)
	}
	return nil
}

// DeleteInstance deletes instance. Routes are kept; they belong to the
// other slot.
func (p *Platform) DeleteInstance(ctx context.Context, t domain.DeploymentTarget, instance string) error {
	if _, err := p.run(ctx, t, "delete", instance, "-f"); err != nil {
		return platformError(err, "cf.DeleteInstance", "delete "+instance)
	}
	return nil
}

type appResource struct {
	State    string `json:"state"`
	Metadata struct {
		Labels map[string]string `json:"labels"`
	} `json:"metadata"`
}

type routeList struct {
	Resources []struct {
		URL string `json:"url"`
	} `json:"resources"`
}

// FindInstance looks up an instance with its release label and routes.
func (p *Platform) FindInstance(ctx context.Context, t domain.DeploymentTarget, name string) (domain.Instance, bool, error) {
	guid, err := p.guid(ctx, t, name)
	if err != nil {
		if rperrors.IsKind(err, rperrors.KindNotFound) {
			return domain.Instance{}, false, nil
		}
		return domain.Instance{}, false, err
	}

	out, err := p.run(ctx, t, "curl", "/v3/apps/"+guid)
	if err != nil {
		return domain.Instance{}, false, platformError(err, "cf.FindInstance", "read "+name)
	}
	var app appResource
	if err := json.Unmarshal(out, &app); err != nil {
		return domain.Instance{}, false, rperrors.PlatformWrap(err, "cf.FindInstance", "parse "+name)
	}

	out, err = p.run(ctx, t, "curl", "/v3/apps/"+guid+"/routes")
	if err != nil {
		return domain.Instance{}, false, platformError(err, "cf.FindInstance", "routes of "+name)
	}
	var routes routeList
	if err := json.Unmarshal(out, &routes); err != nil {
		return domain.Instance{}, false, rperrors.PlatformWrap(err, "cf.FindInstance", "parse routes of "+name)
	}

	inst := domain.Instance{
		Name:    name,
		Version: app.Metadata.Labels[ReleaseLabel],
		Running: app.State == "STARTED",
	}
	for _, r := range routes.Resources {
		inst.Routes = append(inst.Routes, r.URL)
	}
	return inst, true, nil
}

func (p *Platform) guid(ctx context.Context, t domain.DeploymentTarget, name string) (string, error) {
	out, err := p.run(ctx, t, "app", name, "--guid")
	switch {
	case err == nil:
	case rperrors.GetKind(err) != rperrors.KindUnknown:
		return "", err
	case strings.Contains(strings.ToLower(err.Error()), "not found"):
		return "", rperrors.NotFoundWrap(err, "cf.guid", name)
	default:
		return "", platformError(err, "cf.guid", "look up "+name)
	}
	return strings.TrimSpace(string(out)), nil
}

// splitRoute splits a route into hostname and domain. A route equal to the
// target domain maps with no hostname.
func splitRoute(route, targetDomain string) (host, dom string) {
	if targetDomain != "" {
		if route == targetDomain {
			return "", route
		}
		if strings.HasSuffix(route, "."+targetDomain) {
			return strings.TrimSuffix(route, "."+targetDomain), targetDomain
		}
	}
	host, dom, ok := strings.Cut(route, ".")
	if !ok {
		return "", route
	}
	return host, dom
}

var sanitizer = strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_", "..", "_")

func sanitize(s string) string {
	return sanitizer.Replace(s)
}

func platformError(err error, op, msg string) error {
	if rperrors.GetKind(err) != rperrors.KindUnknown {
		return err
	}
	return rperrors.PlatformWrap(rperrors.RedactError(err), op, msg)
}
