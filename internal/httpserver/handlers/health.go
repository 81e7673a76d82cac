// Package handlers provides HTTP request handlers for the promoter API.
package handlers

import (
	"net/http"
	"runtime"
	"time"
)

var startTime = time.Now()

// HealthResponse is the response for the health check endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version,omitempty"`
	GoVersion string `json:"go_version"`
	Pending   int    `json:"pending_approvals"`
}

// Health handles the health check endpoint.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Version:   a.Version,
		GoVersion: runtime.Version(),
	}
	if a.Approvals != nil {
		response.Pending = len(a.Approvals.Pending())
	}
	respondJSON(w, http.StatusOK, response)
}
