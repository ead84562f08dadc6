package api

import (
	"net/http"

	"healthai/internal/breaker"
)

func (d Dependencies) healthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if d.Hub != nil {
		resp["connections"] = d.Hub.Connections()
	}
	writeJSON(w, http.StatusOK, resp)
}

// circuitBreakers reports every breaker. The overall status degrades while
// any breaker is not closed.
func (d Dependencies) circuitBreakers(w http.ResponseWriter, r *http.Request) {
	stats := []breaker.Stats{}
	if d.Breakers != nil {
		stats = d.Breakers.Stats()
	}
	status := "healthy"
	for _, s := range stats {
		if s.State != breaker.Closed.String() {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"breakers": stats,
	})
}
