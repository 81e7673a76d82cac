package ports

import (
	"context"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
)

// Notifier announces approval gate state for visibility. Notifications are
// fire-and-forget and never affect orchestration.
type Notifier interface {
	// GatePending announces that a run is suspended before a stage.
	GatePending(ctx context.Context, pending domain.PendingApproval) error

	// GateResolved announces the decision taken on a suspended run.
	GateResolved(ctx context.Context, pending domain.PendingApproval, signal domain.Signal) error
}
