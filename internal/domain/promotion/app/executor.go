package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/statekit"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
	rperrors "github.com/relicta-tech/promoter/internal/errors"
)

// Slot suffixes for blue-green instances.
const (
	SlotBlue  = "-blue"
	SlotGreen = "-green"
)

// CutoverRequest is the input of one cutover.
type CutoverRequest struct {
	RunID    string
	Pair     domain.Pair
	Release  domain.Release
	Artifact ports.LocalArtifact
	// PriorTag is the ledger value observed when the run was classified. It
	// is the expected prior of the final compare-and-set.
	PriorTag string
}

// BlueGreenExecutor executes one cutover for one (application, target).
type BlueGreenExecutor struct {
	platform ports.Platform
	ledger   ports.VersionLedger
	locker   ports.PairLocker
	health   *HealthChecker
	clock    ports.Clock
	recorder ports.Recorder
	logger   *slog.Logger
}

// NewBlueGreenExecutor creates a new BlueGreenExecutor.
func NewBlueGreenExecutor(
	platform ports.Platform,
	ledger ports.VersionLedger,
	locker ports.PairLocker,
	health *HealthChecker,
	clock ports.Clock,
	recorder ports.Recorder,
) *BlueGreenExecutor {
	if recorder == nil {
		recorder = ports.NopRecorder{}
	}
	return &BlueGreenExecutor{
		platform: platform,
		ledger:   ledger,
		locker:   locker,
		health:   health,
		clock:    clock,
		recorder: recorder,
		logger:   slog.Default().With("component", "executor"),
	}
}

// Execute runs the cutover and reports its outcome. It never returns an
// error; failures are contained in the outcome of the pair.
func (e *BlueGreenExecutor) Execute(ctx context.Context, req CutoverRequest) domain.PairOutcome {
	key := req.Pair.Key()
	tag := req.Release.Tag()
	log := e.logger.With("run_id", req.RunID, "app", key.Application, "target", key.Target)

	release, acquired, err := e.locker.TryAcquire(ctx, key, req.RunID)
	if err != nil {
		return e.finish(domain.NewOutcome(key, domain.OutcomeFailed, tag, req.PriorTag,
			rperrors.StateWrap(err, "executor.lock", "acquire pair lock")), req)
	}
	if !acquired {
		log.Warn("pair is locked by another cutover")
		return e.finish(domain.NewOutcome(key, domain.OutcomeFailed, tag, req.PriorTag,
			rperrors.ConflictWrap(domain.ErrConcurrentDeployment, "executor.lock", key.String())), req)
	}
	defer release()

	// Another run may have promoted the pair between classification and lock.
	current, err := e.ledger.Get(ctx, key)
	if err != nil {
		return e.finish(domain.NewOutcome(key, domain.OutcomeFailed, tag, req.PriorTag,
			rperrors.StateWrap(err, "executor.ledger", "read ledger")), req)
	}
	if ledgerTag(current) != req.PriorTag {
		log.Warn("ledger moved since the run started", "expected", req.PriorTag, "found", ledgerTag(current))
		return e.finish(domain.NewOutcome(key, domain.OutcomeFailed, tag, req.PriorTag,
			rperrors.ConflictWrap(domain.ErrConcurrentDeployment, "executor.ledger", key.String())), req)
	}

	c, err := domain.NewCutover(req.RunID, key, tag, req.PriorTag)
	if err != nil {
		return e.finish(domain.NewOutcome(key, domain.OutcomeFailed, tag, req.PriorTag,
			rperrors.InternalWrap(err, "executor.cutover", "create cutover")), req)
	}

	if req.Pair.Target.Strategy == domain.StrategyRedeploy {
		e.redeploy(ctx, c, req, log)
	} else {
		e.blueGreen(ctx, c, req, log)
	}

	out := domain.OutcomeFromCutover(c)
	if c.Phase() != domain.PhaseComplete {
		return e.finish(out, req)
	}

	// The ledger write must not be lost to a cancellation after traffic moved.
	entry := domain.LedgerEntry{Key: key, ReleaseTag: tag, RunID: req.RunID, DeployedAt: e.clock.Now()}
	ok, err := e.ledger.CompareAndSet(context.WithoutCancel(ctx), key, req.PriorTag, entry)
	switch {
	case err != nil:
		log.Error("ledger update failed", "error", err)
		out = out.WithError(rperrors.StateWrap(err, "executor.ledger", "record release"))
	case !ok:
		log.Warn("ledger compare-and-set rejected", "expected", req.PriorTag)
		out = out.WithError(rperrors.ConflictWrap(domain.ErrConcurrentDeployment, "executor.ledger", key.String()))
	default:
		log.Info("ledger updated", "release", tag)
	}
	return e.finish(out, req)
}

func (e *BlueGreenExecutor) finish(out domain.PairOutcome, req CutoverRequest) domain.PairOutcome {
	d := out.FinishedAt.Sub(out.StartedAt)
	if out.StartedAt.IsZero() || d < 0 {
		d = 0
	}
	e.recorder.CutoverFinished(req.Pair.Target.Name(), string(out.Status), d)
	return out
}

func (e *BlueGreenExecutor) redeploy(ctx context.Context, c *domain.Cutover, req CutoverRequest, log *slog.Logger) {
	pair := req.Pair
	name := pair.App.Name
	c.SetCandidate(name)

	if !e.advance(c, domain.EventStage, log) {
		return
	}
	err := e.platform.Push(ctx, pair.Target, ports.PushRequest{
		Application:  pair.App.Name,
		InstanceName: name,
		ManifestPath: req.Artifact.ManifestPath,
		ArtifactPath: req.Artifact.ArtifactPath,
		Version:      req.Release.Tag(),
	})
	if err != nil {
		e.fail(c, rperrors.PlatformWrap(err, "executor.push", name), log)
		return
	}
	if !e.advance(c, domain.EventStaged, log) {
		return
	}
	if err := e.health.Await(ctx, pair.Target, name); err != nil {
		e.fail(c, err, log)
		return
	}
	e.advance(c, domain.EventRedeployed, log)
}

func (e *BlueGreenExecutor) blueGreen(ctx context.Context, c *domain.Cutover, req CutoverRequest, log *slog.Logger) {
	pair := req.Pair
	route := pair.Route()

	live, stale, err := e.discover(ctx, pair, req.PriorTag)
	if err != nil {
		_ = e.advance(c, domain.EventStage, log)
		e.fail(c, rperrors.PlatformWrap(err, "executor.discover", pair.App.Name), log)
		return
	}
	c.SetLive(live)
	candidate := candidateName(pair.App.Name, live)
	c.SetCandidate(candidate)
	if live != nil {
		log = log.With("blue", live.Name, "green", candidate)
	} else {
		log = log.With("green", candidate)
	}

	// 1. Staging: green is pushed without a route.
	if !e.advance(c, domain.EventStage, log) {
		return
	}
	if stale != nil && stale.HasRoute(route) {
		// Leftover of a degraded drain; live keeps the route.
		log.Warn("unmapping stale candidate slot", "instance", stale.Name)
		if err := e.platform.UnmapRoute(ctx, pair.Target, route, stale.Name); err != nil {
			e.fail(c, rperrors.PlatformWrap(err, "executor.unmap-stale", stale.Name), log)
			return
		}
	}
	err = e.platform.Push(ctx, pair.Target, ports.PushRequest{
		Application:  pair.App.Name,
		InstanceName: candidate,
		ManifestPath: req.Artifact.ManifestPath,
		ArtifactPath: req.Artifact.ArtifactPath,
		NoRoute:      true,
		Version:      req.Release.Tag(),
	})
	if err != nil {
		e.fail(c, rperrors.PlatformWrap(err, "executor.push", candidate), log)
		return
	}
	if !e.advance(c, domain.EventStaged, log) {
		return
	}

	// 2. HealthChecking
	if err := e.health.Await(ctx, pair.Target, candidate); err != nil {
		e.teardown(ctx, pair.Target, candidate, log)
		e.fail(c, err, log)
		return
	}
	if !e.advance(c, domain.EventHealthy, log) {
		return
	}

	// 3. Switching: additive map, blue stays mapped.
	if err := ctx.Err(); err != nil {
		e.teardown(ctx, pair.Target, candidate, log)
		e.fail(c, rperrors.CanceledWrap(err, "executor.switch", "run cancelled before switching"), log)
		return
	}
	committed := context.WithoutCancel(ctx)
	if err := e.platform.MapRoute(committed, pair.Target, route, candidate); err != nil {
		e.teardown(ctx, pair.Target, candidate, log)
		e.fail(c, rperrors.PlatformWrap(err, "executor.map", route), log)
		return
	}
	if live == nil {
		e.advance(c, domain.EventSwitchedFirst, log)
		return
	}
	if !e.advance(c, domain.EventSwitched, log) {
		return
	}

	// 4. Draining
	if live.HasRoute(route) {
		if err := e.platform.UnmapRoute(committed, pair.Target, route, live.Name); err != nil {
			msg := fmt.Sprintf("drain of %s failed, both instances remain mapped to %s: %v", live.Name, route, err)
			log.Warn("drain failed", "error", err)
			c.Warn(rperrors.RedactSensitive(msg))
			e.advance(c, domain.EventDrainDegraded, log)
			return
		}
	}
	if !e.advance(c, domain.EventDrained, log) {
		return
	}

	// 5. Cleanup failures never fail the cutover.
	if err := e.platform.StopInstance(committed, pair.Target, live.Name); err != nil {
		log.Warn("stop of old instance failed", "error", err)
		c.Warn(rperrors.RedactSensitive(fmt.Sprintf("stop of %s failed: %v", live.Name, err)))
	} else if err := e.platform.DeleteInstance(committed, pair.Target, live.Name); err != nil {
		log.Warn("delete of old instance failed", "error", err)
		c.Warn(rperrors.RedactSensitive(fmt.Sprintf("delete of %s failed: %v", live.Name, err)))
	}
	e.advance(c, domain.EventCleaned, log)
}

// discover finds the live instance and the instance occupying the candidate
// slot. When any slot is mapped to the route, live is a mapped one.
func (e *BlueGreenExecutor) discover(ctx context.Context, pair domain.Pair, priorTag string) (live, stale *domain.Instance, err error) {
	route := pair.Route()
	var found []domain.Instance
	for _, name := range []string{pair.App.Name + SlotBlue, pair.App.Name + SlotGreen} {
		inst, ok, err := e.platform.FindInstance(ctx, pair.Target, name)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			found = append(found, inst)
		}
	}
	if len(found) == 0 {
		return nil, nil, nil
	}

	var mapped []domain.Instance
	for _, inst := range found {
		if route != "" && inst.HasRoute(route) {
			mapped = append(mapped, inst)
		}
	}
	pool := found
	if len(mapped) > 0 {
		pool = mapped
	}
	pick := pool[0]
	for _, inst := range pool {
		if priorTag != "" && inst.Version == priorTag {
			pick = inst
			break
		}
	}
	live = &pick
	for i := range found {
		if found[i].Name != pick.Name {
			stale = &found[i]
		}
	}
	return live, stale, nil
}

func candidateName(app string, live *domain.Instance) string {
	if live != nil && live.Name == app+SlotBlue {
		return app + SlotGreen
	}
	return app + SlotBlue
}

func (e *BlueGreenExecutor) teardown(ctx context.Context, target domain.DeploymentTarget, instance string, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	if err := e.platform.StopInstance(ctx, target, instance); err != nil {
		log.Warn("teardown stop failed", "instance", instance, "error", err)
	}
	if err := e.platform.DeleteInstance(ctx, target, instance); err != nil {
		log.Warn("teardown delete failed", "instance", instance, "error", err)
	}
}

func (e *BlueGreenExecutor) advance(c *domain.Cutover, event statekit.EventType, log *slog.Logger) bool {
	if err := c.Advance(event, e.clock.Now()); err != nil {
		log.Error("cutover transition rejected", "event", event, "phase", c.Phase(), "error", err)
		if !c.Phase().IsTerminal() {
			_ = c.Fail(err, e.clock.Now())
		}
		return false
	}
	log.Info("cutover phase", "phase", c.Phase())
	return true
}

func (e *BlueGreenExecutor) fail(c *domain.Cutover, cause error, log *slog.Logger) {
	phase := c.Phase()
	if err := c.Fail(cause, e.clock.Now()); err != nil {
		log.Error("cannot fail cutover", "phase", phase, "error", err)
		return
	}
	log.Error("cutover failed", "phase", phase, "error", rperrors.RedactError(cause))
}

func ledgerTag(e *domain.LedgerEntry) string {
	if e == nil {
		return ""
	}
	return e.ReleaseTag
}

// isConflict reports whether an outcome failed on a concurrent deployment.
func isConflict(o domain.PairOutcome) bool {
	return errors.Is(o.Err(), domain.ErrConcurrentDeployment)
}
