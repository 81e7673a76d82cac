package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
	rperrors "github.com/relicta-tech/promoter/internal/errors"
)

// DefaultMaxParallel bounds concurrent cutovers within a stage.
const DefaultMaxParallel = 4

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// RunRequest is the manual trigger of a promotion run.
type RunRequest struct {
	// RunID is generated when empty.
	RunID string
	// ReleaseTag selects the release; the latest release is used when empty.
	ReleaseTag string
	Policy     domain.Policy
	// Operator is recorded as the initiator of the run.
	Operator string
}

// DefaultRetain is the number of finished runs kept in the registry.
const DefaultRetain = 100

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// WorkDir receives downloaded artifacts, one directory per run.
	WorkDir     string
	MaxParallel int
	// Retain bounds the finished runs kept for Get and List; older ones
	// are forgotten. Active runs are never evicted.
	Retain int
}

type runRecord struct {
	summary domain.RunSummary
	cancel  context.CancelCauseFunc
	done    chan struct{}
}

// runState is the progress of a run between stages. It is owned by one
// goroutine at a time: the run's own until it suspends at the gate, then
// the continuation that resumes it.
type runState struct {
	ctx        context.Context
	runID      string
	log        *slog.Logger
	det        *Detection
	artifacts  map[string]ports.LocalArtifact
	halt       *domain.Signal
	haltReason string
	promoted   map[string]bool
}

// Runner drives deployment plans to completion. It owns every cutover of a
// run and keeps a registry of runs for status queries and cancellation.
type Runner struct {
	detector *ReleaseDetector
	fetcher  ports.ArtifactFetcher
	executor *BlueGreenExecutor
	gate     *ApprovalGate
	clock    ports.Clock
	recorder ports.Recorder
	logger   *slog.Logger
	workDir  string
	retain   int
	limiter  *semaphore.Weighted

	mu       sync.RWMutex
	runs     map[string]*runRecord
	finished []string
}

// NewRunner creates a new Runner.
func NewRunner(
	detector *ReleaseDetector,
	fetcher ports.ArtifactFetcher,
	executor *BlueGreenExecutor,
	gate *ApprovalGate,
	clock ports.Clock,
	recorder ports.Recorder,
	cfg RunnerConfig,
) *Runner {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.Retain <= 0 {
		cfg.Retain = DefaultRetain
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "promoter")
	}
	if recorder == nil {
		recorder = ports.NopRecorder{}
	}
	return &Runner{
		detector: detector,
		fetcher:  fetcher,
		executor: executor,
		gate:     gate,
		clock:    clock,
		recorder: recorder,
		logger:   slog.Default().With("component", "runner"),
		workDir:  cfg.WorkDir,
		retain:   cfg.Retain,
		limiter:  semaphore.NewWeighted(int64(cfg.MaxParallel)),
		runs:     make(map[string]*runRecord),
	}
}

// Run executes a promotion run and blocks until it reaches a terminal
// status. The returned error is set only when the run aborted before any
// stage executed; the summary is always returned.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*domain.RunSummary, error) {
	ctx, runID, err := r.register(ctx, &req)
	if err != nil {
		return nil, err
	}
	rec := r.record(runID)
	err = r.execute(ctx, runID, req)
	<-rec.done
	summary := r.final(rec)
	return &summary, err
}

// Start registers a run and executes it in the background. The run is
// detached from ctx; use Cancel to stop it.
func (r *Runner) Start(ctx context.Context, req RunRequest) (string, error) {
	runCtx, runID, err := r.register(context.WithoutCancel(ctx), &req)
	if err != nil {
		return "", err
	}
	go func() {
		_ = r.execute(runCtx, runID, req)
	}()
	return runID, nil
}

// Wait blocks until the run finishes or ctx is done.
func (r *Runner) Wait(ctx context.Context, runID string) (domain.RunSummary, error) {
	rec := r.record(runID)
	if rec == nil {
		return domain.RunSummary{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	select {
	case <-rec.done:
		return r.final(rec), nil
	case <-ctx.Done():
		return domain.RunSummary{}, ctx.Err()
	}
}

func (r *Runner) record(runID string) *runRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runs[runID]
}

// final reads a finished run from its record, which stays valid after the
// registry evicts it.
func (r *Runner) final(rec *runRecord) domain.RunSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(rec.summary)
}

// Get returns a snapshot of a run.
func (r *Runner) Get(runID string) (domain.RunSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.runs[runID]
	if !ok {
		return domain.RunSummary{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return snapshot(rec.summary), nil
}

// List returns snapshots of every known run, newest first.
func (r *Runner) List() []domain.RunSummary {
	r.mu.RLock()
	out := make([]domain.RunSummary, 0, len(r.runs))
	for _, rec := range r.runs {
		out = append(out, snapshot(rec.summary))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Cancel aborts a run. A run suspended at the approval gate is resumed with
// a cancellation; cutovers that already switched traffic are not undone.
func (r *Runner) Cancel(runID, operator, reason string) error {
	r.mu.RLock()
	rec, ok := r.runs[runID]
	var status domain.RunStatus
	if ok {
		status = rec.summary.Status
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if status.IsTerminal() {
		return rperrors.State("runner.Cancel", fmt.Sprintf("run %s already finished with status %s", runID, status))
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	if r.gate.IsSuspended(runID) {
		if err := r.gate.Cancel(runID, operator, reason); err != nil && !errors.Is(err, domain.ErrNoPendingApproval) {
			return err
		}
	}
	rec.cancel(&cancelCause{operator: operator, reason: reason})
	r.logger.Info("run cancellation requested", "run_id", runID, "operator", operator)
	return nil
}

func (r *Runner) register(ctx context.Context, req *RunRequest) (context.Context, string, error) {
	if req.RunID == "" {
		req.RunID = NewRunID()
	}
	ctx, cancel := context.WithCancelCause(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[req.RunID]; exists {
		cancel(nil)
		return nil, "", rperrors.Conflict("runner.register", "run "+req.RunID+" already exists")
	}
	r.runs[req.RunID] = &runRecord{
		summary: domain.RunSummary{
			RunID:      req.RunID,
			ReleaseTag: req.ReleaseTag,
			Status:     domain.RunPending,
			StartedAt:  r.clock.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	return ctx, req.RunID, nil
}

func (r *Runner) update(runID string, fn func(*domain.RunSummary)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.runs[runID]; ok {
		fn(&rec.summary)
	}
}

func (r *Runner) complete(runID string) domain.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.runs[runID]
	rec.summary.FinishedAt = r.clock.Now()
	rec.cancel(nil)
	close(rec.done)
	r.recorder.RunFinished(string(rec.summary.Status))

	r.finished = append(r.finished, runID)
	for len(r.finished) > r.retain {
		delete(r.runs, r.finished[0])
		r.finished = r.finished[1:]
	}
	return snapshot(rec.summary)
}

// execute detects the release and fetches artifacts, then advances through
// the stages. It returns once the run has finished or suspended at the gate;
// the error is set only when the run aborted before any stage.
func (r *Runner) execute(ctx context.Context, runID string, req RunRequest) error {
	log := r.logger.With("run_id", runID)
	log.Info("promotion run started", "release", req.ReleaseTag, "operator", req.Operator)
	r.update(runID, func(s *domain.RunSummary) { s.Status = domain.RunRunning })

	det, err := r.detector.Detect(ctx, req.ReleaseTag, req.Policy)
	if err != nil {
		r.abort(ctx, runID, err, log)
		return err
	}
	r.update(runID, func(s *domain.RunSummary) { s.ReleaseTag = det.Release.Tag() })

	artifacts, err := r.fetch(ctx, runID, det)
	if err != nil {
		r.removeWorkDir(runID)
		r.abort(ctx, runID, err, log)
		return err
	}

	r.advance(&runState{
		ctx:       ctx,
		runID:     runID,
		log:       log,
		det:       det,
		artifacts: artifacts,
	}, 0, nil)
	return nil
}

// advance runs the stages from index from. A gated stage with pending work
// suspends the run at the gate and returns; the gate's continuation calls
// advance again for the same stage with the decision.
func (r *Runner) advance(st *runState, from int, decision *domain.Signal) {
	stages := st.det.Plan.Stages
	for i := from; i < len(stages); i++ {
		stage := stages[i]
		result, work := r.classify(st, stage)

		if len(work) > 0 && stage.Gated {
			if decision == nil {
				signal, err := r.suspend(st, i, stage, work)
				if err == nil {
					return
				}
				decision = signal
			}
			result.Approval = decision
			if decision.Decision != domain.DecisionApproved {
				st.halt = decision
			}
		}
		decision = nil

		if len(work) > 0 && st.halt == nil && st.ctx.Err() != nil {
			st.halt = r.cancelled(st.ctx)
		}
		if st.halt != nil {
			release := st.det.Release.Tag()
			for _, j := range work {
				key := stage.Pairs[j].Key()
				ps, _ := st.det.Status(key)
				result.Outcomes[j] = domain.NewOutcome(key, domain.OutcomeNotStarted, release, ps.PriorTag, nil)
			}
			work = nil
		}

		if len(work) > 0 {
			st.log.Info("dispatching stage", "stage", stage.Name, "pairs", len(work))
			r.dispatch(st.ctx, st.runID, st.det, stage, work, st.artifacts, result.Outcomes)
			if st.halt == nil && st.ctx.Err() != nil {
				st.halt = r.cancelled(st.ctx)
				st.log.Warn("run cancelled during stage", "stage", stage.Name)
			}
		}

		st.promoted = make(map[string]bool, len(stage.Pairs))
		for j, pair := range stage.Pairs {
			st.promoted[pair.App.Name] = result.Outcomes[j].Status.Succeeded()
		}
		if stage.HardGate && result.Degraded() && st.halt == nil && st.haltReason == "" {
			st.haltReason = fmt.Sprintf("stage %s is a hard gate and did not fully succeed", stage.Name)
			st.log.Warn("hard gate halted the plan", "stage", stage.Name)
		}
		r.update(st.runID, func(s *domain.RunSummary) { s.Stages = append(s.Stages, result) })
	}
	r.finish(st)
}

// classify decides the outcome of every pair of a stage that will not run
// and returns the indexes of the pairs that still have work.
func (r *Runner) classify(st *runState, stage domain.Stage) (domain.StageResult, []int) {
	release := st.det.Release.Tag()
	result := domain.StageResult{Name: stage.Name, Outcomes: make([]domain.PairOutcome, len(stage.Pairs))}
	var work []int
	for j, pair := range stage.Pairs {
		key := pair.Key()
		ps, _ := st.det.Status(key)
		switch {
		case st.halt != nil || st.haltReason != "":
			result.Outcomes[j] = domain.NewOutcome(key, domain.OutcomeNotStarted, release, ps.PriorTag, nil)
		case st.promoted != nil && !st.promoted[pair.App.Name]:
			result.Outcomes[j] = domain.NewOutcome(key, domain.OutcomeNotStarted, release, ps.PriorTag, domain.ErrNotPromoted)
		case ps.State == PairUpToDate:
			result.Outcomes[j] = domain.NewOutcome(key, domain.OutcomeSkipped, release, ps.PriorTag, nil)
		case ps.State == PairRegression:
			result.Outcomes[j] = domain.NewOutcome(key, domain.OutcomeFailed, release, ps.PriorTag,
				rperrors.Wrap(domain.ErrReleaseRegression, rperrors.KindConflict, "runner.classify", ps.PriorTag+" is newer than "+release))
		default:
			work = append(work, j)
		}
	}
	return result, work
}

// suspend registers the rest of the run as the gate continuation. When the
// gate refuses the suspension the returned signal cancels the stage.
func (r *Runner) suspend(st *runState, stageIdx int, stage domain.Stage, work []int) (*domain.Signal, error) {
	keys := make([]domain.PairKey, 0, len(work))
	for _, j := range work {
		keys = append(keys, stage.Pairs[j].Key())
	}
	r.update(st.runID, func(s *domain.RunSummary) { s.Status = domain.RunAwaitingApproval })

	err := r.gate.Suspend(st.ctx, domain.PendingApproval{
		RunID:      st.runID,
		ReleaseTag: st.det.Release.Tag(),
		Stage:      stage.Name,
		Pairs:      keys,
		Since:      r.clock.Now(),
	}, func(signal domain.Signal) {
		go func() {
			r.update(st.runID, func(s *domain.RunSummary) { s.Status = domain.RunRunning })
			r.advance(st, stageIdx, &signal)
		}()
	})
	if err != nil {
		r.update(st.runID, func(s *domain.RunSummary) { s.Status = domain.RunRunning })
		return &domain.Signal{Decision: domain.DecisionCancelled, Reason: err.Error(), At: r.clock.Now()}, err
	}
	return nil, nil
}

func (r *Runner) finish(st *runState) {
	defer r.removeWorkDir(st.runID)
	halt, haltReason := st.halt, st.haltReason
	r.update(st.runID, func(s *domain.RunSummary) {
		s.Status = domain.ComputeStatus(s.Outcomes(), halt)
		switch {
		case halt != nil:
			s.Reason = fmt.Sprintf("%s by %s", halt.Decision, reviewerOrSystem(halt.Reviewer))
			if halt.Reason != "" {
				s.Reason += ": " + halt.Reason
			}
		case haltReason != "":
			s.Reason = haltReason
		}
	})
	summary := r.complete(st.runID)
	st.log.Info("promotion run finished", "status", summary.Status, "release", summary.ReleaseTag)
}

func (r *Runner) abort(ctx context.Context, runID string, err error, log *slog.Logger) {
	log.Error("promotion run aborted before any stage executed", "error", rperrors.RedactError(err))
	r.update(runID, func(s *domain.RunSummary) {
		if ctx.Err() != nil {
			halt := r.cancelled(ctx)
			s.Status = domain.RunCancelled
			s.Reason = fmt.Sprintf("%s by %s: %s", halt.Decision, reviewerOrSystem(halt.Reviewer), halt.Reason)
			return
		}
		s.Status = domain.RunFailed
		s.Reason = rperrors.RedactSensitive(err.Error())
	})
	r.complete(runID)
}

func (r *Runner) removeWorkDir(runID string) {
	_ = os.RemoveAll(filepath.Join(r.workDir, filepath.Base(runID)))
}

// fetch resolves the artifacts of every application with pending work.
func (r *Runner) fetch(ctx context.Context, runID string, det *Detection) (map[string]ports.LocalArtifact, error) {
	out := make(map[string]ports.LocalArtifact)
	for _, pair := range det.Plan.Pairs() {
		if _, done := out[pair.App.Name]; done {
			continue
		}
		st, _ := det.Status(pair.Key())
		if st.State != PairPending {
			continue
		}
		dir := filepath.Join(r.workDir, filepath.Base(runID), pair.App.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, rperrors.IOWrap(err, "runner.fetch", "create work directory")
		}
		art, err := r.fetcher.Fetch(ctx, det.Release, pair.App, dir)
		if err != nil {
			if rperrors.GetKind(err) == rperrors.KindUnknown {
				err = rperrors.ArtifactWrap(err, "runner.fetch", pair.App.Name)
			}
			return nil, err
		}
		out[pair.App.Name] = art
	}
	return out, nil
}

// dispatch runs the selected pairs of a stage concurrently and writes each
// outcome at its pair index.
func (r *Runner) dispatch(ctx context.Context, runID string, det *Detection, stage domain.Stage, work []int, artifacts map[string]ports.LocalArtifact, outcomes []domain.PairOutcome) {
	g, gCtx := errgroup.WithContext(ctx)
	for _, j := range work {
		pair := stage.Pairs[j]
		g.Go(func() error {
			key := pair.Key()
			st, _ := det.Status(key)
			if err := r.limiter.Acquire(gCtx, 1); err != nil {
				outcomes[j] = domain.NewOutcome(key, domain.OutcomeNotStarted, det.Release.Tag(), st.PriorTag,
					rperrors.CanceledWrap(err, "runner.dispatch", "waiting for execution slot"))
				return nil
			}
			defer r.limiter.Release(1)

			out := r.executor.Execute(gCtx, CutoverRequest{
				RunID:    runID,
				Pair:     pair,
				Release:  det.Release,
				Artifact: artifacts[pair.App.Name],
				PriorTag: st.PriorTag,
			})
			if isConflict(out) {
				r.logger.Warn("pair lost a concurrent deployment race", "run_id", runID, "pair", key.String())
			}
			outcomes[j] = out
			return nil
		})
	}
	_ = g.Wait() // Outcomes carry per-pair failures.
}

// cancelCause records who cancelled a run.
type cancelCause struct {
	operator string
	reason   string
}

func (c *cancelCause) Error() string { return c.reason }

// cancelled builds the halt signal for a run whose context is done.
func (r *Runner) cancelled(ctx context.Context) *domain.Signal {
	signal := &domain.Signal{Decision: domain.DecisionCancelled, Reason: context.Cause(ctx).Error(), At: r.clock.Now()}
	var cause *cancelCause
	if errors.As(context.Cause(ctx), &cause) {
		signal.Reviewer = cause.operator
	}
	return signal
}

func snapshot(s domain.RunSummary) domain.RunSummary {
	s.Stages = append([]domain.StageResult(nil), s.Stages...)
	return s
}

func reviewerOrSystem(reviewer string) string {
	if reviewer == "" {
		return "system"
	}
	return reviewer
}
