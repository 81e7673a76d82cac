// Package ledgertest provides contract tests for
// [ports.VersionLedger] implementations.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
)

// Factory creates a fresh [ports.VersionLedger] for each test.
type Factory func(t *testing.T) ports.VersionLedger

// Reopener creates a ledger over the same storage as a previous one, as a
// restarted process would.
type Reopener func(t *testing.T) (first, reopen func(t *testing.T) ports.VersionLedger)

// Run exercises the [ports.VersionLedger] contract.
func Run(t *testing.T, factory Factory) {
	key := domain.PairKey{Application: "api", Target: "prod"}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entry := func(tag string) domain.LedgerEntry {
		return domain.LedgerEntry{Key: key, ReleaseTag: tag, RunID: "run-" + tag, DeployedAt: at}
	}

	t.Run("GetMissing", func(t *testing.T) {
		l := factory(t)
		got, err := l.Get(context.Background(), key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got != nil {
			t.Fatalf("Get = %+v, want nil", got)
		}
	})

	t.Run("FirstWriteExpectsEmptyPrior", func(t *testing.T) {
		l := factory(t)
		ctx := context.Background()

		ok, err := l.CompareAndSet(ctx, key, "v0.9.0", entry("v1.0.0"))
		if err != nil {
			t.Fatalf("CompareAndSet: %v", err)
		}
		if ok {
			t.Fatal("CompareAndSet with a non-empty prior on an empty pair should fail")
		}

		ok, err = l.CompareAndSet(ctx, key, "", entry("v1.0.0"))
		if err != nil || !ok {
			t.Fatalf("CompareAndSet = %v, %v; want true, nil", ok, err)
		}
		got, err := l.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got == nil || got.ReleaseTag != "v1.0.0" {
			t.Fatalf("Get = %+v, want v1.0.0", got)
		}
		if got.RunID != "run-v1.0.0" {
			t.Errorf("RunID = %q", got.RunID)
		}
		if !got.DeployedAt.Equal(at) {
			t.Errorf("DeployedAt = %v, want %v", got.DeployedAt, at)
		}
	})

	t.Run("StalePriorIsRejected", func(t *testing.T) {
		l := factory(t)
		ctx := context.Background()
		mustSet(t, l, key, "", entry("v1.1.0"))
		mustSet(t, l, key, "v1.1.0", entry("v1.2.0"))

		ok, err := l.CompareAndSet(ctx, key, "v1.1.0", entry("v1.3.0"))
		if err != nil {
			t.Fatalf("CompareAndSet: %v", err)
		}
		if ok {
			t.Fatal("CompareAndSet with a stale prior should fail")
		}
		got, _ := l.Get(ctx, key)
		if got.ReleaseTag != "v1.2.0" {
			t.Errorf("ReleaseTag = %q, want unchanged v1.2.0", got.ReleaseTag)
		}
	})

	t.Run("PairsAreIndependent", func(t *testing.T) {
		l := factory(t)
		ctx := context.Background()
		dev := domain.PairKey{Application: "api", Target: "dev"}
		mustSet(t, l, key, "", entry("v1.0.0"))
		mustSet(t, l, dev, "", domain.LedgerEntry{Key: dev, ReleaseTag: "v2.0.0", DeployedAt: at})

		got, _ := l.Get(ctx, key)
		if got.ReleaseTag != "v1.0.0" {
			t.Errorf("prod ReleaseTag = %q", got.ReleaseTag)
		}
		list, err := l.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("List len = %d, want 2", len(list))
		}
		if list[0].Key != dev || list[1].Key != key {
			t.Errorf("List order = %v, %v; want dev before prod", list[0].Key, list[1].Key)
		}
	})

	t.Run("ConcurrentWritersSingleWinner", func(t *testing.T) {
		l := factory(t)
		ctx := context.Background()
		mustSet(t, l, key, "", entry("v1.0.0"))

		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := l.CompareAndSet(ctx, key, "v1.0.0", entry(fmt.Sprintf("v1.1.%d", i)))
				if err != nil {
					t.Errorf("CompareAndSet: %v", err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("wins = %d, want exactly 1", wins)
		}
	})
}

// RunDurable checks that entries survive reopening the storage.
func RunDurable(t *testing.T, open Reopener) {
	t.Run("SurvivesRestart", func(t *testing.T) {
		first, reopen := open(t)
		key := domain.PairKey{Application: "web", Target: "nonprod"}
		l := first(t)
		mustSet(t, l, key, "", domain.LedgerEntry{Key: key, ReleaseTag: "v3.1.0", DeployedAt: time.Now().UTC()})

		got, err := reopen(t).Get(context.Background(), key)
		if err != nil {
			t.Fatalf("Get after reopen: %v", err)
		}
		if got == nil || got.ReleaseTag != "v3.1.0" {
			t.Fatalf("Get after reopen = %+v, want v3.1.0", got)
		}
	})
}

func mustSet(t *testing.T, l ports.VersionLedger, key domain.PairKey, prior string, e domain.LedgerEntry) {
	t.Helper()
	ok, err := l.CompareAndSet(context.Background(), key, prior, e)
	if err != nil {
		t.Fatalf("CompareAndSet(%s, %q): %v", key, prior, err)
	}
	if !ok {
		t.Fatalf("CompareAndSet(%s, %q) = false", key, prior)
	}
}
