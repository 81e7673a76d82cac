package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
)

// Ledger implements [ports.VersionLedger] backed by SQLite. Every accepted
// write is also appended to ledger_history.
type Ledger struct {
	DB *sql.DB
}

var _ ports.VersionLedger = (*Ledger)(nil)

// HistoryEntry is one accepted ledger write.
type HistoryEntry struct {
	domain.LedgerEntry
	PriorTag string `json:"prior_tag,omitempty"`
}

func (l *Ledger) Get(ctx context.Context, key domain.PairKey) (*domain.LedgerEntry, error) {
	row := l.DB.QueryRowContext(ctx,
		`SELECT application, target, release_tag, run_id, deployed_at FROM ledger WHERE application = ? AND target = ?`,
		key.Application, key.Target,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CompareAndSet stores entry if the stored tag equals expectedPrior. An
// empty expectedPrior matches a pair with no entry.
func (l *Ledger) CompareAndSet(ctx context.Context, key domain.PairKey, expectedPrior string, entry domain.LedgerEntry) (bool, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin ledger write: %w", err)
	}
	defer tx.Rollback()

	at := formatTime(entry.DeployedAt)
	var res sql.Result
	if expectedPrior == "" {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO ledger (application, target, release_tag, run_id, deployed_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (application, target) DO NOTHING`,
			key.Application, key.Target, entry.ReleaseTag, entry.RunID, at,
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE ledger SET release_tag = ?, run_id = ?, deployed_at = ?
			 WHERE application = ? AND target = ? AND release_tag = ?`,
			entry.ReleaseTag, entry.RunID, at, key.Application, key.Target, expectedPrior,
		)
	}
	if err != nil {
		return false, fmt.Errorf("write ledger %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_history (application, target, prior_tag, release_tag, run_id, deployed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		key.Application, key.Target, expectedPrior, entry.ReleaseTag, entry.RunID, at,
	); err != nil {
		return false, fmt.Errorf("append ledger history %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit ledger write: %w", err)
	}
	return true, nil
}

// List returns every entry ordered by application then target.
func (l *Ledger) List(ctx context.Context) ([]domain.LedgerEntry, error) {
	rows, err := l.DB.QueryContext(ctx,
		`SELECT application, target, release_tag, run_id, deployed_at FROM ledger ORDER BY application, target`)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// History returns the accepted writes for one pair, oldest first.
func (l *Ledger) History(ctx context.Context, key domain.PairKey) ([]HistoryEntry, error) {
	rows, err := l.DB.QueryContext(ctx,
		`SELECT prior_tag, release_tag, run_id, deployed_at FROM ledger_history
		 WHERE application = ? AND target = ? ORDER BY id`,
		key.Application, key.Target,
	)
	if err != nil {
		return nil, fmt.Errorf("list ledger history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			h  HistoryEntry
			at string
		)
		if err := rows.Scan(&h.PriorTag, &h.ReleaseTag, &h.RunID, &at); err != nil {
			return nil, fmt.Errorf("scan ledger history: %w", err)
		}
		h.Key = key
		if h.DeployedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (domain.LedgerEntry, error) {
	var (
		e  domain.LedgerEntry
		at string
	)
	if err := s.Scan(&e.Key.Application, &e.Key.Target, &e.ReleaseTag, &e.RunID, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan ledger entry: %w", err)
	}
	t, err := parseTime(at)
	if err != nil {
		return e, err
	}
	e.DeployedAt = t
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse deployed_at %q: %w", s, err)
	}
	return t, nil
}
