package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
)

const (
	locksDir = "locks"
	// Locks older than this belong to a crashed process.
	lockStaleDuration = 2 * time.Hour
)

var errLockHeld = errors.New("lock held")

// FileLockManager implements PairLocker using one O_EXCL lock file per pair,
// so separate processes sharing a state directory are serialised too.
type FileLockManager struct {
	stateDir string
	stale    time.Duration
}

// NewFileLockManager creates a lock manager storing lock files under stateDir.
func NewFileLockManager(stateDir string) *FileLockManager {
	return &FileLockManager{stateDir: stateDir, stale: lockStaleDuration}
}

// Ensure FileLockManager implements the interface.
var _ ports.PairLocker = (*FileLockManager)(nil)

// LockFileContents represents the contents of a lock file.
type LockFileContents struct {
	RunID      string    `json:"run_id"`
	Pair       string    `json:"pair"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// lockPath returns the lock file of a pair.
func (m *FileLockManager) lockPath(key domain.PairKey) string {
	name := sanitize(key.Application) + "@" + sanitize(key.Target) + ".lock"
	return filepath.Join(m.stateDir, locksDir, name)
}

// TryAcquire attempts to take the pair lock without blocking.
func (m *FileLockManager) TryAcquire(ctx context.Context, key domain.PairKey, runID string) (func(), bool, error) {
	release, err := m.acquire(key, runID)
	if err != nil {
		if errors.Is(err, errLockHeld) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return release, true, nil
}

func (m *FileLockManager) acquire(key domain.PairKey, runID string) (func(), error) {
	path := m.lockPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create locks directory: %w", err)
	}

	// Check for existing lock
	if existing, err := readLock(path); err == nil {
		if time.Since(existing.AcquiredAt) <= m.stale {
			return nil, fmt.Errorf("%w by PID %d on %s since %s for run %s", errLockHeld,
				existing.PID, existing.Hostname, existing.AcquiredAt.Format(time.RFC3339), existing.RunID)
		}
		// Stale lock - we can take it
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}

	hostname, _ := os.Hostname()
	data, err := json.MarshalIndent(LockFileContents{
		RunID:      runID,
		Pair:       key.String(),
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}

	// Use O_EXCL to ensure atomic creation
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: acquired by another process", errLockHeld)
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	f.Close()

	var once sync.Once
	return func() { once.Do(func() { os.Remove(path) }) }, nil
}

// Info returns the holder of a pair lock, or nil when the pair is free.
func (m *FileLockManager) Info(key domain.PairKey) (*ports.LockInfo, error) {
	existing, err := readLock(m.lockPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if time.Since(existing.AcquiredAt) > m.stale {
		return nil, nil
	}
	return &ports.LockInfo{
		RunID:      existing.RunID,
		HolderPID:  existing.PID,
		AcquiredAt: existing.AcquiredAt.Format(time.RFC3339),
		Hostname:   existing.Hostname,
	}, nil
}

func readLock(path string) (*LockFileContents, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock LockFileContents
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// MemoryLocker is a process-local PairLocker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[domain.PairKey]string
}

var _ ports.PairLocker = (*MemoryLocker)(nil)

// NewMemoryLocker creates a new MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[domain.PairKey]string)}
}

// TryAcquire takes the pair if no other run holds it.
func (m *MemoryLocker) TryAcquire(_ context.Context, key domain.PairKey, runID string) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return nil, false, nil
	}
	m.held[key] = runID
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, true, nil
}

// Holder returns the run holding key.
func (m *MemoryLocker) Holder(key domain.PairKey) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.held[key]
	return id, ok
}

func sanitize(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}
