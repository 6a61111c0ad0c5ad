package api

import (
	"context"
	"net/http"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// pinger is implemented by the optional side-channels (event publisher,
// history sink) so health reporting can surface their reachability without
// the core registries ever depending on them.
type pinger interface {
	Ping(ctx context.Context) error
}

// componentHealth reports "ok" for the in-memory core unconditionally (it
// has no external dependency to be unhealthy against), plus the status of
// any optional side-channel that implements pinger and is wired in.
func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	components := []componentStatus{{Component: "registries", Status: "ok"}}

	check := func(name string, p pinger) {
		if p == nil {
			return
		}
		status := componentStatus{Component: name, Status: "ok"}
		if err := p.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		components = append(components, status)
	}
	check("events", h.Events)
	check("history", h.History)

	return components, overallStatus, statusCode
}
