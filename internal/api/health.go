package api

import (
	"context"
	"net/http"
	"time"
)

// Check is one dependency probed by the health endpoint.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthHandler returns the health check handler. Any failing check turns
// the response into a 503.
func HealthHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "healthy",
			Version: "1.0.0",
		}
		status := http.StatusOK

		if len(checks) > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			resp.Checks = make(map[string]string, len(checks))
			for _, c := range checks {
				if err := c.Ping(ctx); err != nil {
					resp.Checks[c.Name] = err.Error()
					resp.Status = "unhealthy"
					status = http.StatusServiceUnavailable
					continue
				}
				resp.Checks[c.Name] = "ok"
			}
		}

		respondJSON(w, status, resp)
	}
}
