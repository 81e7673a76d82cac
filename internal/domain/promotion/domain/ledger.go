package domain

import "time"

// LedgerEntry is the last successfully promoted release of one pair.
type LedgerEntry struct {
	Key        PairKey   `json:"pair"`
	ReleaseTag string    `json:"release_tag"`
	RunID      string    `json:"run_id,omitempty"`
	DeployedAt time.Time `json:"deployed_at"`
}
