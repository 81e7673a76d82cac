package handlers

import (
	"context"

	"github.com/relicta-tech/promoter/internal/domain/promotion/app"
	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
)

// RunService starts and tracks promotion runs.
type RunService interface {
	Start(ctx context.Context, req app.RunRequest) (string, error)
	Get(runID string) (domain.RunSummary, error)
	List() []domain.RunSummary
	Cancel(runID, operator, reason string) error
}

// ApprovalService delivers signals to suspended runs.
type ApprovalService interface {
	Pending() []domain.PendingApproval
	Approve(runID, reviewer, reason string) error
	Reject(runID, reviewer, reason string) error
}

// API holds the dependencies of the HTTP handlers.
type API struct {
	Runs      RunService
	Approvals ApprovalService
	Ledger    ports.VersionLedger
	// Applications is the number of configured applications.
	Applications int
	// Version is reported by the health endpoint.
	Version string
	// BoundReviewers refuses gate decisions whose reviewer is not bound to
	// the caller's credential.
	BoundReviewers bool
}
