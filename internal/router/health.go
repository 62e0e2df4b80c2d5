package router

import (
	"net/http"
	"time"

	"github.com/mixaill76/evm_gateway/internal/endpoint"
	"github.com/mixaill76/evm_gateway/internal/utils"
)

type NetworkHealth struct {
	Name          string              `json:"name"`
	ChainID       uint64              `json:"chain_id,omitempty"`
	Available     bool                `json:"available"`
	ActiveStreams int                 `json:"active_streams"`
	Endpoints     []endpoint.Snapshot `json:"endpoints"`
}

type HealthStatus struct {
	Status    string          `json:"status"`
	Timestamp string          `json:"timestamp"`
	Networks  []NetworkHealth `json:"networks"`
}

// HealthCheck reports every network. It is healthy when the router is not
// draining and every network has at least one usable endpoint.
func (r *Router) HealthCheck() (bool, HealthStatus) {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: utils.NowUTC().Format(time.RFC3339),
	}
	healthy := true
	for _, ad := range r.registry.All() {
		nh := NetworkHealth{
			Name:          ad.Name(),
			ChainID:       ad.ChainID(),
			Available:     ad.Available(),
			ActiveStreams: ad.ActiveStreams(),
			Endpoints:     ad.Endpoints(),
		}
		if !nh.Available {
			healthy = false
		}
		status.Networks = append(status.Networks, nh)
	}

	switch {
	case r.Draining():
		healthy = false
		status.Status = "draining"
	case !healthy:
		status.Status = "unhealthy"
	}
	return healthy, status
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	healthy, status := r.HealthCheck()
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
