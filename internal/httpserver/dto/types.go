// Package dto provides data transfer objects for the promoter API.
package dto

import "github.com/relicta-tech/promoter/internal/domain/promotion/domain"

// ListResponse wraps a collection.
type ListResponse[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}

// ErrorResponse is an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// RunRequest triggers a promotion run. Applications are selected by
// position; an omitted flag selects the application.
type RunRequest struct {
	ReleaseTag  string `json:"release_tag,omitempty"`
	SkipNonprod bool   `json:"skip_nonprod,omitempty"`
	DeployApp1  *bool  `json:"deploy_app1,omitempty"`
	DeployApp2  *bool  `json:"deploy_app2,omitempty"`
	HardGate    bool   `json:"hard_gate,omitempty"`
	Operator    string `json:"operator,omitempty"`
}

// Positions returns the selected application positions out of count
// configured applications.
func (r RunRequest) Positions(count int) []int {
	flags := []*bool{r.DeployApp1, r.DeployApp2}
	var out []int
	for i := 0; i < count && i < len(flags); i++ {
		if flags[i] == nil || *flags[i] {
			out = append(out, i)
		}
	}
	return out
}

// RunAccepted is returned when a run is started.
type RunAccepted struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// DecisionRequest carries an approval, rejection or cancellation.
type DecisionRequest struct {
	Reviewer string `json:"reviewer,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// DecisionResponse acknowledges a delivered decision.
type DecisionResponse struct {
	RunID    string          `json:"run_id"`
	Decision domain.Decision `json:"decision"`
	Reviewer string          `json:"reviewer,omitempty"`
}
