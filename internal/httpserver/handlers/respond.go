package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	rperrors "github.com/relicta-tech/promoter/internal/errors"
	"github.com/relicta-tech/promoter/internal/httpserver/dto"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error response.
func respondError(w http.ResponseWriter, status int, message, details string) {
	resp := dto.ErrorResponse{
		Error: message,
	}
	if details != "" {
		resp.Details = details
	}
	respondJSON(w, status, resp)
}

// respondDomainError maps an application error to a status code.
func respondDomainError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	code := rperrors.GetKind(err).String()
	switch {
	case errors.Is(err, domain.ErrRunNotFound), errors.Is(err, domain.ErrNoPendingApproval):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrUnauthorizedReviewer):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrNoApplications), errors.Is(err, domain.ErrUnknownApplication):
		status, code = http.StatusBadRequest, "validation"
	case rperrors.IsKind(err, rperrors.KindConflict), rperrors.IsKind(err, rperrors.KindState):
		status = http.StatusConflict
	case rperrors.IsKind(err, rperrors.KindValidation):
		status = http.StatusBadRequest
	}
	respondJSON(w, status, dto.ErrorResponse{
		Error:   message,
		Code:    code,
		Details: rperrors.RedactSensitive(err.Error()),
	})
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
