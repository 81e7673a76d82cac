package domain

import "time"

// Decision is the resolution of an approval gate.
type Decision string

const (
	DecisionApproved  Decision = "approved"
	DecisionRejected  Decision = "rejected"
	DecisionCancelled Decision = "cancelled"
)

// Signal is an external decision delivered to a suspended run.
type Signal struct {
	Decision Decision  `json:"decision"`
	Reviewer string    `json:"reviewer,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// PendingApproval describes a run suspended at a gate.
type PendingApproval struct {
	RunID      string    `json:"run_id"`
	ReleaseTag string    `json:"release_tag"`
	Stage      string    `json:"stage"`
	Pairs      []PairKey `json:"pairs"`
	Reviewers  []string  `json:"reviewers,omitempty"`
	Since      time.Time `json:"since"`
}
