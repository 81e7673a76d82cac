package adapters

import (
	"context"
	"sort"
	"sync"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
)

// MemoryLedger is a process-local VersionLedger. It does not survive a
// restart and is intended for tests and dry runs.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[domain.PairKey]domain.LedgerEntry
}

var _ ports.VersionLedger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty ledger seeded with entries.
func NewMemoryLedger(entries ...domain.LedgerEntry) *MemoryLedger {
	l := &MemoryLedger{entries: make(map[domain.PairKey]domain.LedgerEntry)}
	for _, e := range entries {
		l.entries[e.Key] = e
	}
	return l
}

// Get returns the entry for key, or nil.
func (l *MemoryLedger) Get(_ context.Context, key domain.PairKey) (*domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// CompareAndSet stores entry if the stored tag equals expectedPrior.
func (l *MemoryLedger) CompareAndSet(_ context.Context, key domain.PairKey, expectedPrior string, entry domain.LedgerEntry) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries[key].ReleaseTag != expectedPrior {
		return false, nil
	}
	entry.Key = key
	l.entries[key] = entry
	return true, nil
}

// List returns every entry ordered by application then target.
func (l *MemoryLedger) List(_ context.Context) ([]domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.LedgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	SortEntries(out)
	return out, nil
}

// SortEntries orders entries by application then target.
func SortEntries(entries []domain.LedgerEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Key.Application != entries[j].Key.Application {
			return entries[i].Key.Application < entries[j].Key.Application
		}
		return entries[i].Key.Target < entries[j].Key.Target
	})
}
