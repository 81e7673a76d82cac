package adapters

import (
	"context"
	"log/slog"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
)

// LogNotifier announces gate state through the structured logger. It is
// used when no deployment platform is configured.
type LogNotifier struct {
	logger *slog.Logger
}

var _ ports.Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a notifier writing to logger, or to the default
// logger when nil.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

// GatePending logs that a run is waiting for approval.
func (n *LogNotifier) GatePending(_ context.Context, p domain.PendingApproval) error {
	pairs := make([]string, len(p.Pairs))
	for i, k := range p.Pairs {
		pairs[i] = k.String()
	}
	n.logger.Info("approval required",
		"run_id", p.RunID,
		"release", p.ReleaseTag,
		"stage", p.Stage,
		"pairs", pairs,
		"reviewers", p.Reviewers,
	)
	return nil
}

// GateResolved logs the decision taken on a run.
func (n *LogNotifier) GateResolved(_ context.Context, p domain.PendingApproval, s domain.Signal) error {
	n.logger.Info("approval resolved",
		"run_id", p.RunID,
		"stage", p.Stage,
		"decision", s.Decision,
		"reviewer", s.Reviewer,
		"reason", s.Reason,
	)
	return nil
}
