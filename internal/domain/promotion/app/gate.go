package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
)

// suspension is a registered continuation waiting for a signal.
type suspension struct {
	pending domain.PendingApproval
	resume  func(domain.Signal)
	stop    func() bool
}

// ApprovalGate suspends runs before production stages. A suspended run is a
// continuation keyed by run ID; it is resumed exactly once by an approval,
// a rejection or a cancellation. There is no timeout.
//
// Notifications are delivered in the background, in the order the gate
// events happened; a slow notifier never delays a run or a decision.
type ApprovalGate struct {
	mu        sync.Mutex
	waiting   map[string]*suspension
	lastSent  chan struct{}
	reviewers []string
	notifier  ports.Notifier
	clock     ports.Clock
	recorder  ports.Recorder
	logger    *slog.Logger
}

// NewApprovalGate creates a gate. An empty reviewer list accepts any identity.
func NewApprovalGate(reviewers []string, notifier ports.Notifier, clock ports.Clock, recorder ports.Recorder) *ApprovalGate {
	if recorder == nil {
		recorder = ports.NopRecorder{}
	}
	var allowed []string
	for _, r := range reviewers {
		if r = strings.TrimSpace(r); r != "" {
			allowed = append(allowed, strings.ToLower(r))
		}
	}
	return &ApprovalGate{
		waiting:   make(map[string]*suspension),
		reviewers: allowed,
		notifier:  notifier,
		clock:     clock,
		recorder:  recorder,
		logger:    slog.Default().With("component", "gate"),
	}
}

// Reviewers returns the allow-listed reviewer identities.
func (g *ApprovalGate) Reviewers() []string {
	return append([]string(nil), g.reviewers...)
}

// Suspend registers resume as the continuation of a run. Cancelling ctx
// resumes the run with a cancellation.
func (g *ApprovalGate) Suspend(ctx context.Context, pending domain.PendingApproval, resume func(domain.Signal)) error {
	pending.Reviewers = g.Reviewers()
	if pending.Since.IsZero() {
		pending.Since = g.clock.Now()
	}

	g.mu.Lock()
	if _, ok := g.waiting[pending.RunID]; ok {
		g.mu.Unlock()
		return fmt.Errorf("run %s is already suspended", pending.RunID)
	}
	s := &suspension{pending: pending, resume: resume}
	g.waiting[pending.RunID] = s
	g.recorder.ApprovalsPending(len(g.waiting))
	g.mu.Unlock()

	// Registered after the map entry so a cancelled ctx resolves this suspension.
	stop := context.AfterFunc(ctx, func() {
		_ = g.deliver(pending.RunID, domain.Signal{
			Decision: domain.DecisionCancelled,
			Reason:   context.Cause(ctx).Error(),
			At:       g.clock.Now(),
		})
	})
	g.mu.Lock()
	s.stop = stop
	g.mu.Unlock()

	g.logger.Info("run awaiting approval", "run_id", pending.RunID, "stage", pending.Stage, "release", pending.ReleaseTag)
	notifyCtx := context.WithoutCancel(ctx)
	g.notify(pending.RunID, func(n ports.Notifier) error {
		return n.GatePending(notifyCtx, pending)
	})
	return nil
}

// Approve resumes a run so the gated stage executes.
func (g *ApprovalGate) Approve(runID, reviewer, reason string) error {
	if err := g.authorize(reviewer); err != nil {
		return err
	}
	return g.deliver(runID, domain.Signal{Decision: domain.DecisionApproved, Reviewer: reviewer, Reason: reason, At: g.clock.Now()})
}

// Reject resumes a run so it halts before the gated stage.
func (g *ApprovalGate) Reject(runID, reviewer, reason string) error {
	if err := g.authorize(reviewer); err != nil {
		return err
	}
	return g.deliver(runID, domain.Signal{Decision: domain.DecisionRejected, Reviewer: reviewer, Reason: reason, At: g.clock.Now()})
}

// Cancel aborts a suspended run. Operators are not subject to the reviewer list.
func (g *ApprovalGate) Cancel(runID, operator, reason string) error {
	return g.deliver(runID, domain.Signal{Decision: domain.DecisionCancelled, Reviewer: operator, Reason: reason, At: g.clock.Now()})
}

// Pending returns the suspended runs, oldest first.
func (g *ApprovalGate) Pending() []domain.PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.PendingApproval, 0, len(g.waiting))
	for _, s := range g.waiting {
		out = append(out, s.pending)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

// IsSuspended reports whether runID is waiting at the gate.
func (g *ApprovalGate) IsSuspended(runID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.waiting[runID]
	return ok
}

func (g *ApprovalGate) authorize(reviewer string) error {
	if len(g.reviewers) == 0 {
		return nil
	}
	id := strings.ToLower(strings.TrimSpace(reviewer))
	for _, r := range g.reviewers {
		if r == id {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", domain.ErrUnauthorizedReviewer, reviewer)
}

func (g *ApprovalGate) deliver(runID string, signal domain.Signal) error {
	g.mu.Lock()
	s, ok := g.waiting[runID]
	var stop func() bool
	if ok {
		delete(g.waiting, runID)
		stop = s.stop
		g.recorder.ApprovalsPending(len(g.waiting))
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNoPendingApproval, runID)
	}
	if stop != nil {
		stop()
	}

	g.logger.Info("approval gate resolved", "run_id", runID, "decision", signal.Decision, "reviewer", signal.Reviewer)
	g.notify(runID, func(n ports.Notifier) error {
		return n.GateResolved(context.Background(), s.pending, signal)
	})
	s.resume(signal)
	return nil
}

// notify queues a notification behind the previous one.
func (g *ApprovalGate) notify(runID string, send func(ports.Notifier) error) {
	if g.notifier == nil {
		return
	}
	done := make(chan struct{})
	g.mu.Lock()
	prev := g.lastSent
	g.lastSent = done
	g.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		if err := send(g.notifier); err != nil {
			g.logger.Warn("gate notification failed", "run_id", runID, "error", err)
		}
	}()
}

// Flush blocks until every notification queued so far has been delivered.
func (g *ApprovalGate) Flush() {
	g.mu.Lock()
	last := g.lastSent
	g.mu.Unlock()
	if last != nil {
		<-last
	}
}
