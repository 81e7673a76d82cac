package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/httpserver/dto"
	"github.com/relicta-tech/promoter/internal/httpserver/middleware"
)

// ListPendingApprovals returns runs suspended at the approval gate.
func (a *API) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending := a.Approvals.Pending()
	respondJSON(w, http.StatusOK, dto.ListResponse[domain.PendingApproval]{Data: pending, Total: len(pending)})
}

// ApproveRun resumes a suspended run.
func (a *API) ApproveRun(w http.ResponseWriter, r *http.Request) {
	a.decide(w, r, domain.DecisionApproved, a.Approvals.Approve)
}

// RejectRun halts a suspended run before the gated stage.
func (a *API) RejectRun(w http.ResponseWriter, r *http.Request) {
	a.decide(w, r, domain.DecisionRejected, a.Approvals.Reject)
}

func (a *API) decide(w http.ResponseWriter, r *http.Request, decision domain.Decision, deliver func(runID, reviewer, reason string) error) {
	var req dto.DecisionRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	user := middleware.GetUser(r)
	reviewer := req.Reviewer
	switch {
	case user.Bound:
		if reviewer != "" && !strings.EqualFold(reviewer, user.Name) {
			respondError(w, http.StatusForbidden, "reviewer does not match the credential",
				fmt.Sprintf("token belongs to %s", user.Name))
			return
		}
		reviewer = user.Name
	case a.BoundReviewers:
		respondError(w, http.StatusForbidden, "decisions require a reviewer token", "")
		return
	case reviewer == "":
		reviewer = user.Name
	}

	runID := chi.URLParam(r, "id")
	if err := deliver(runID, reviewer, req.Reason); err != nil {
		respondDomainError(w, "failed to deliver decision", err)
		return
	}
	respondJSON(w, http.StatusOK, dto.DecisionResponse{RunID: runID, Decision: decision, Reviewer: reviewer})
}
