package api

import (
	"context"
	"net/http"
	"time"
)

const healthTimeout = 3 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	components := make([]componentStatus, 0, len(h.health))
	for _, check := range h.health {
		if check.Check == nil {
			continue
		}
		entry := componentStatus{Component: check.Component, Status: "ok"}
		if err := check.Check(ctx); err != nil {
			entry.Status = "degraded"
			entry.Error = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		components = append(components, entry)
	}
	return components, overallStatus, statusCode
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	components, status, code := h.componentHealth(ctx)
	writeJSON(w, code, healthResponse{Status: status, Components: components})
}
