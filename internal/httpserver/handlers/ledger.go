package handlers

import (
	"net/http"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/httpserver/dto"
)

// ListLedger returns every ledger entry.
func (a *API) ListLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := a.Ledger.List(r.Context())
	if err != nil {
		respondDomainError(w, "failed to read ledger", err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, dto.ListResponse[domain.LedgerEntry]{Data: entries, Total: len(entries)})
}
