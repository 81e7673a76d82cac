// Package ports defines the interfaces (ports) for the release promotion bounded context.
// These are the abstractions that the domain and application layers depend on.
package ports

import (
	"context"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
)

// VersionLedger is the durable record of the last successfully promoted
// release per (application, target) pair. It is the only component permitted
// to persist version facts.
type VersionLedger interface {
	// Get returns the entry for a pair, or nil if the pair was never promoted.
	// Get has no side effects.
	Get(ctx context.Context, key domain.PairKey) (*domain.LedgerEntry, error)

	// CompareAndSet stores entry only if the stored release tag equals
	// expectedPrior. An empty expectedPrior matches a pair with no entry.
	// It returns false, without writing, when the stored value differs.
	CompareAndSet(ctx context.Context, key domain.PairKey, expectedPrior string, entry domain.LedgerEntry) (bool, error)

	// List returns every entry ordered by application then target.
	List(ctx context.Context) ([]domain.LedgerEntry, error)
}
