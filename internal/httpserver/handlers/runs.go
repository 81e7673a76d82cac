package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relicta-tech/promoter/internal/domain/promotion/app"
	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/httpserver/dto"
	"github.com/relicta-tech/promoter/internal/httpserver/middleware"
)

// CreateRun starts a promotion run in the background and returns its ID.
func (a *API) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req dto.RunRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	positions := req.Positions(a.Applications)
	if len(positions) == 0 {
		respondError(w, http.StatusBadRequest, "no applications selected", "")
		return
	}

	operator := req.Operator
	if operator == "" {
		operator = middleware.GetUser(r).Name
	}

	runID, err := a.Runs.Start(r.Context(), app.RunRequest{
		ReleaseTag: req.ReleaseTag,
		Policy: domain.Policy{
			Applications: positions,
			SkipNonprod:  req.SkipNonprod,
			HardGate:     req.HardGate,
		},
		Operator: operator,
	})
	if err != nil {
		respondDomainError(w, "failed to start run", err)
		return
	}

	w.Header().Set("Location", "/api/v1/runs/"+runID)
	respondJSON(w, http.StatusAccepted, dto.RunAccepted{RunID: runID, Status: string(domain.RunPending)})
}

// ListRuns returns every known run, newest first.
func (a *API) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs := a.Runs.List()
	respondJSON(w, http.StatusOK, dto.ListResponse[domain.RunSummary]{Data: runs, Total: len(runs)})
}

// GetRun returns the status of one run.
func (a *API) GetRun(w http.ResponseWriter, r *http.Request) {
	summary, err := a.Runs.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, "run not found", err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// CancelRun aborts a run.
func (a *API) CancelRun(w http.ResponseWriter, r *http.Request) {
	var req dto.DecisionRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	operator := req.Reviewer
	if operator == "" {
		operator = middleware.GetUser(r).Name
	}

	runID := chi.URLParam(r, "id")
	if err := a.Runs.Cancel(runID, operator, req.Reason); err != nil {
		respondDomainError(w, "failed to cancel run", err)
		return
	}
	respondJSON(w, http.StatusAccepted, dto.DecisionResponse{RunID: runID, Decision: domain.DecisionCancelled, Reviewer: operator})
}
