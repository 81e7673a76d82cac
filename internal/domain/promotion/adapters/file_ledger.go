package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
	"github.com/relicta-tech/promoter/internal/fileutil"
)

const (
	ledgerFile     = "ledger.json"
	ledgerLockFile = "ledger.lock"
	ledgerVersion  = 1
	ledgerMaxSize  = 8 << 20

	ledgerLockRetry   = 20 * time.Millisecond
	ledgerLockTimeout = 10 * time.Second
	ledgerLockStale   = time.Minute
)

// FileLedger implements VersionLedger as a JSON document. Writes are atomic
// (temp file then rename) and compare-and-set holds an O_EXCL lock file, so
// processes sharing the state directory see a consistent ledger.
type FileLedger struct {
	mu  sync.Mutex
	dir string
}

// NewFileLedger creates a file ledger stored under dir.
func NewFileLedger(dir string) *FileLedger {
	return &FileLedger{dir: dir}
}

// Ensure FileLedger implements the interface.
var _ ports.VersionLedger = (*FileLedger)(nil)

// ledgerDTO is the on-disk layout.
type ledgerDTO struct {
	Version int              `json:"version"`
	Entries []ledgerEntryDTO `json:"entries"`
}

type ledgerEntryDTO struct {
	Application string    `json:"application"`
	Target      string    `json:"target"`
	ReleaseTag  string    `json:"release_tag"`
	RunID       string    `json:"run_id,omitempty"`
	DeployedAt  time.Time `json:"deployed_at"`
}

func (l *FileLedger) path() string {
	return filepath.Join(l.dir, ledgerFile)
}

// Get returns the entry for key, or nil.
func (l *FileLedger) Get(_ context.Context, key domain.PairKey) (*domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.load()
	if err != nil {
		return nil, err
	}
	e, ok := entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// CompareAndSet stores entry if the stored tag equals expectedPrior.
func (l *FileLedger) CompareAndSet(ctx context.Context, key domain.PairKey, expectedPrior string, entry domain.LedgerEntry) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	unlock, err := l.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	entries, err := l.load()
	if err != nil {
		return false, err
	}
	if entries[key].ReleaseTag != expectedPrior {
		return false, nil
	}
	entry.Key = key
	entries[key] = entry
	if err := l.save(entries); err != nil {
		return false, err
	}
	return true, nil
}

// List returns every entry ordered by application then target.
func (l *FileLedger) List(_ context.Context) ([]domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.load()
	if err != nil {
		return nil, err
	}
	out := make([]domain.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	SortEntries(out)
	return out, nil
}

func (l *FileLedger) load() (map[domain.PairKey]domain.LedgerEntry, error) {
	entries := make(map[domain.PairKey]domain.LedgerEntry)
	data, err := fileutil.ReadLimited(l.path(), ledgerMaxSize)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	var dto ledgerDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, fmt.Errorf("failed to parse ledger: %w", err)
	}
	for _, e := range dto.Entries {
		key := domain.PairKey{Application: e.Application, Target: e.Target}
		entries[key] = domain.LedgerEntry{Key: key, ReleaseTag: e.ReleaseTag, RunID: e.RunID, DeployedAt: e.DeployedAt}
	}
	return entries, nil
}

func (l *FileLedger) save(entries map[domain.PairKey]domain.LedgerEntry) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}
	list := make([]domain.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, e)
	}
	SortEntries(list)

	dto := ledgerDTO{Version: ledgerVersion, Entries: make([]ledgerEntryDTO, 0, len(list))}
	for _, e := range list {
		dto.Entries = append(dto.Entries, ledgerEntryDTO{
			Application: e.Key.Application,
			Target:      e.Key.Target,
			ReleaseTag:  e.ReleaseTag,
			RunID:       e.RunID,
			DeployedAt:  e.DeployedAt.UTC(),
		})
	}
	data, err := json.MarshalIndent(dto, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	if err := fileutil.WriteAtomic(l.path(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	return nil
}

// lock takes the cross-process ledger lock, waiting for a holder to finish.
func (l *FileLedger) lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	path := filepath.Join(l.dir, ledgerLockFile)
	deadline := time.Now().Add(ledgerLockTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create ledger lock: %w", err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > ledgerLockStale {
			_ = os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, errors.New("timed out waiting for ledger lock")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ledgerLockRetry):
		}
	}
}
