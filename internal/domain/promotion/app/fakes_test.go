package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relicta-tech/promoter/internal/domain/promotion/adapters"
	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
)

// fakePlatform records every operation in order and tracks instances per
// target so tests can assert route invariants.
type fakePlatform struct {
	mu        sync.Mutex
	calls     []string
	instances map[string]map[string]*domain.Instance
	health    map[string][]ports.HealthStatus
	checks    map[string]int
	fail      map[string]error
	// violations records any instant a route had no mapped instance.
	violations []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		instances: make(map[string]map[string]*domain.Instance),
		health:    make(map[string][]ports.HealthStatus),
		checks:    make(map[string]int),
		fail:      make(map[string]error),
	}
}

// seed places a running instance on a target.
func (p *fakePlatform) seed(target, name, version string, routes ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.instances[target] == nil {
		p.instances[target] = make(map[string]*domain.Instance)
	}
	p.instances[target][name] = &domain.Instance{Name: name, Version: version, Routes: routes, Running: true}
}

// failOn makes op fail for instance (or route for map/unmap).
func (p *fakePlatform) failOn(op, subject string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[op+" "+subject] = err
}

// healthFor scripts the health results of an instance; the last result repeats.
func (p *fakePlatform) healthFor(instance string, statuses ...ports.HealthStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health[instance] = statuses
}

func (p *fakePlatform) record(format string, args ...any) {
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
}

func (p *fakePlatform) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// CallsOn returns the calls made against one target.
func (p *fakePlatform) CallsOn(target string) []string {
	var out []string
	for _, c := range p.Calls() {
		if strings.Contains(c, " "+target+" ") {
			out = append(out, c)
		}
	}
	return out
}

func (p *fakePlatform) Violations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.violations...)
}

func (p *fakePlatform) Instance(target, name string) (domain.Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[target][name]
	if !ok {
		return domain.Instance{}, false
	}
	return *inst, true
}

func (p *fakePlatform) Push(_ context.Context, t domain.DeploymentTarget, req ports.PushRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("push %s %s", t.Name(), req.InstanceName)
	if err := p.fail["push "+req.InstanceName]; err != nil {
		return err
	}
	if p.instances[t.Name()] == nil {
		p.instances[t.Name()] = make(map[string]*domain.Instance)
	}
	inst, ok := p.instances[t.Name()][req.InstanceName]
	if !ok {
		inst = &domain.Instance{Name: req.InstanceName}
		p.instances[t.Name()][req.InstanceName] = inst
	}
	inst.Version = req.Version
	inst.Running = true
	return nil
}

func (p *fakePlatform) QueryHealth(_ context.Context, t domain.DeploymentTarget, instance string) (ports.HealthStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("health %s %s", t.Name(), instance)
	if err := p.fail["health "+instance]; err != nil {
		return "", err
	}
	script := p.health[instance]
	if len(script) == 0 {
		return ports.HealthHealthy, nil
	}
	i := p.checks[instance]
	p.checks[instance] = i + 1
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i], nil
}

func (p *fakePlatform) MapRoute(_ context.Context, t domain.DeploymentTarget, route, instance string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("map %s %s %s", t.Name(), route, instance)
	if err := p.fail["map "+route]; err != nil {
		return err
	}
	inst, ok := p.instances[t.Name()][instance]
	if !ok {
		return errors.New("no such instance " + instance)
	}
	if !inst.HasRoute(route) {
		inst.Routes = append(inst.Routes, route)
	}
	return nil
}

func (p *fakePlatform) UnmapRoute(_ context.Context, t domain.DeploymentTarget, route, instance string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("unmap %s %s %s", t.Name(), route, instance)
	if err := p.fail["unmap "+instance]; err != nil {
		return err
	}
	inst, ok := p.instances[t.Name()][instance]
	if !ok {
		return nil
	}
	kept := inst.Routes[:0]
	for _, r := range inst.Routes {
		if r != route {
			kept = append(kept, r)
		}
	}
	inst.Routes = kept
	p.checkRouteLocked(t.Name(), route)
	return nil
}

func (p *fakePlatform) StopInstance(_ context.Context, t domain.DeploymentTarget, instance string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("stop %s %s", t.Name(), instance)
	if err := p.fail["stop "+instance]; err != nil {
		return err
	}
	if inst, ok := p.instances[t.Name()][instance]; ok {
		inst.Running = false
	}
	return nil
}

func (p *fakePlatform) DeleteInstance(_ context.Context, t domain.DeploymentTarget, instance string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("delete %s %s", t.Name(), instance)
	if err := p.fail["delete "+instance]; err != nil {
		return err
	}
	inst, ok := p.instances[t.Name()][instance]
	if !ok {
		return nil
	}
	delete(p.instances[t.Name()], instance)
	for _, r := range inst.Routes {
		p.checkRouteLocked(t.Name(), r)
	}
	return nil
}

func (p *fakePlatform) FindInstance(_ context.Context, t domain.DeploymentTarget, instance string) (domain.Instance, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("find %s %s", t.Name(), instance)
	inst, ok := p.instances[t.Name()][instance]
	if !ok {
		return domain.Instance{}, false, nil
	}
	out := *inst
	out.Routes = append([]string(nil), inst.Routes...)
	return out, true, nil
}

func (p *fakePlatform) checkRouteLocked(target, route string) {
	for _, inst := range p.instances[target] {
		if inst.HasRoute(route) {
			return
		}
	}
	p.violations = append(p.violations, fmt.Sprintf("%s: route %s has no instance", target, route))
}

// countOps returns the number of mutating platform operations.
func countOps(calls []string) int {
	n := 0
	for _, c := range calls {
		if !strings.HasPrefix(c, "find ") {
			n++
		}
	}
	return n
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}

type fakeSource struct {
	mu       sync.Mutex
	releases map[string]domain.Release
	latest   string
	err      error
}

func newFakeSource(tags ...string) *fakeSource {
	s := &fakeSource{releases: make(map[string]domain.Release)}
	for _, tag := range tags {
		s.releases[tag] = domain.NewRelease(tag, nil, nil, time.Time{})
		s.latest = tag
	}
	return s
}

func (s *fakeSource) Latest(ctx context.Context) (domain.Release, error) {
	s.mu.Lock()
	latest := s.latest
	s.mu.Unlock()
	return s.ByTag(ctx, latest)
}

func (s *fakeSource) ByTag(_ context.Context, tag string) (domain.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.Release{}, s.err
	}
	r, ok := s.releases[tag]
	if !ok {
		return domain.Release{}, fmt.Errorf("release %s not found", tag)
	}
	return r, nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	fetched []string
	err     error
}

func (f *fakeFetcher) Fetch(_ context.Context, r domain.Release, app domain.ApplicationDefinition, dir string) (ports.LocalArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, app.Name)
	if f.err != nil {
		return ports.LocalArtifact{}, f.err
	}
	return ports.LocalArtifact{
		Application:  app.Name,
		ArtifactPath: dir + "/" + app.ArtifactName(r),
		ManifestPath: dir + "/manifest.yml",
	}, nil
}

func (f *fakeFetcher) Fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	pending  []domain.PendingApproval
	resolved []domain.Signal
	err      error
}

func (n *recordingNotifier) GatePending(_ context.Context, p domain.PendingApproval) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, p)
	return n.err
}

func (n *recordingNotifier) GateResolved(_ context.Context, _ domain.PendingApproval, s domain.Signal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, s)
	return n.err
}

func (n *recordingNotifier) Pending() []domain.PendingApproval {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.PendingApproval(nil), n.pending...)
}

// rejectingLedger loses every compare-and-set, as if another run won the race.
type rejectingLedger struct {
	*adapters.MemoryLedger
}

func (rejectingLedger) CompareAndSet(context.Context, domain.PairKey, string, domain.LedgerEntry) (bool, error) {
	return false, nil
}

func fastHealth() HealthConfig {
	return HealthConfig{
		Consecutive:  2,
		MaxAttempts:  6,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Deadline:     2 * time.Second,
	}
}

var testNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func appDef(name string) domain.ApplicationDefinition {
	return domain.ApplicationDefinition{
		Name:            name,
		ManifestPath:    name + "/manifest.yml",
		ArtifactPattern: name + "-{version}.jar",
		Routes: map[domain.TargetKind]string{
			domain.TargetDev:     name + "-dev",
			domain.TargetNonprod: name,
			domain.TargetProd:    name,
		},
	}
}

func newTarget(kind domain.TargetKind, foundation string) domain.DeploymentTarget {
	return domain.DeploymentTarget{
		Kind:       kind,
		Foundation: domain.Foundation{Name: foundation, API: "https://api." + foundation},
		Org:        "acme",
		Space:      string(kind),
		Domain:     string(kind) + ".example.com",
		Strategy:   domain.StrategyBlueGreen,
	}
}

func singleTargets() []domain.DeploymentTarget {
	return []domain.DeploymentTarget{newTarget(domain.TargetDev, "cf"), newTarget(domain.TargetProd, "cf")}
}

func dualTargets() []domain.DeploymentTarget {
	return []domain.DeploymentTarget{newTarget(domain.TargetNonprod, "cf-np"), newTarget(domain.TargetProd, "cf-prod")}
}

func pairKey(app string, kind domain.TargetKind) domain.PairKey {
	return domain.PairKey{Application: app, Target: string(kind)}
}

func seedEntry(app string, kind domain.TargetKind, tag string) domain.LedgerEntry {
	return domain.LedgerEntry{Key: pairKey(app, kind), ReleaseTag: tag, DeployedAt: testNow.Add(-24 * time.Hour)}
}

// harness wires a runner over fakes.
type harness struct {
	platform *fakePlatform
	source   *fakeSource
	fetcher  *fakeFetcher
	notifier *recordingNotifier
	ledger   *adapters.MemoryLedger
	locker   *adapters.MemoryLocker
	gate     *ApprovalGate
	planner  *Planner
	executor *BlueGreenExecutor
	runner   *Runner
}

func newHarness(t *testing.T, mode domain.FoundationMode, apps []domain.ApplicationDefinition, targets []domain.DeploymentTarget, seed ...domain.LedgerEntry) *harness {
	t.Helper()
	h := &harness{
		platform: newFakePlatform(),
		source:   newFakeSource("v1.1.0", "v1.2.0", "v1.3.0"),
		fetcher:  &fakeFetcher{},
		notifier: &recordingNotifier{},
		ledger:   adapters.NewMemoryLedger(seed...),
		locker:   adapters.NewMemoryLocker(),
	}
	clock := adapters.NewFixedClock(testNow)
	h.planner = NewPlanner(mode, apps, targets)
	h.gate = NewApprovalGate(nil, h.notifier, clock, nil)
	health := NewHealthChecker(h.platform, fastHealth(), nil)
	h.executor = NewBlueGreenExecutor(h.platform, h.ledger, h.locker, health, clock, nil)
	detector := NewReleaseDetector(h.source, h.ledger, h.planner)
	h.runner = NewRunner(detector, h.fetcher, h.executor, h.gate, clock, nil, RunnerConfig{WorkDir: t.TempDir(), MaxParallel: 4})
	return h
}

func (h *harness) ledgerTag(t *testing.T, k domain.PairKey) string {
	t.Helper()
	e, err := h.ledger.Get(context.Background(), k)
	if err != nil {
		t.Fatalf("ledger.Get(%s): %v", k, err)
	}
	return ledgerTag(e)
}
