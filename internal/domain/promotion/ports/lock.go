package ports

import (
	"context"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
)

// PairLocker guarantees at most one active cutover per (application, target).
type PairLocker interface {
	// TryAcquire attempts to take the pair without blocking.
	// Returns (release func, true, nil) if acquired, (nil, false, nil) if another
	// cutover holds the pair.
	TryAcquire(ctx context.Context, key domain.PairKey, runID string) (release func(), acquired bool, err error)
}

// LockInfo contains information about a held pair lock.
type LockInfo struct {
	RunID      string
	HolderPID  int
	AcquiredAt string
	Hostname   string
}
