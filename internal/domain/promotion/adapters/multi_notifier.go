package adapters

import (
	"context"
	"errors"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
)

// MultiNotifier fans gate announcements out to several notifiers. Every
// notifier is called even when an earlier one fails.
type MultiNotifier []ports.Notifier

var _ ports.Notifier = MultiNotifier(nil)

// GatePending announces a suspended run to every notifier.
func (m MultiNotifier) GatePending(ctx context.Context, p domain.PendingApproval) error {
	var errs []error
	for _, n := range m {
		if err := n.GatePending(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GateResolved announces a decision to every notifier.
func (m MultiNotifier) GateResolved(ctx context.Context, p domain.PendingApproval, s domain.Signal) error {
	var errs []error
	for _, n := range m {
		if err := n.GateResolved(ctx, p, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
