package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/tend/internal/health"
	"github.com/MrSnakeDoc/tend/internal/httpserver/deps"
)

type componentStatus struct {
	OK      bool           `json:"ok"`
	Backend string         `json:"backend,omitempty"`
	States  map[string]int `json:"states,omitempty"`
	Health  map[string]int `json:"health,omitempty"`
	Impact  string         `json:"impact,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type infraResponse struct {
	Mode       string                     `json:"mode"`
	Components map[string]componentStatus `json:"components"`
}

// Infra summarizes the census connection and the supervised services.
func Infra(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components := map[string]componentStatus{
			"census":   checkCensus(r.Context(), d),
			"services": summarizeServices(d),
		}
		writeJSON(w, http.StatusOK, infraResponse{
			Mode:       determineMode(components),
			Components: components,
		})
	}
}

func determineMode(components map[string]componentStatus) string {
	if c, ok := components["census"]; ok && !c.OK {
		return "degraded" // services keep running on the last snapshot
	}
	if s, ok := components["services"]; ok && !s.OK {
		return "critical"
	}
	return "optimal"
}

func summarizeServices(d deps.Deps) componentStatus {
	st := componentStatus{OK: true, States: map[string]int{}, Health: map[string]int{}}
	for _, svc := range d.Registry.List() {
		st.States[svc.State]++
		if svc.Health != nil {
			st.Health[svc.Health.Status.String()]++
			if svc.Health.Status == health.Critical {
				st.OK = false
			}
		}
	}
	return st
}

func checkCensus(ctx context.Context, d deps.Deps) componentStatus {
	if d.RedisClient == nil {
		return componentStatus{OK: true, Backend: d.CensusBackend}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := d.RedisClient.Ping(ctx).Err(); err != nil {
		return componentStatus{
			OK:      false,
			Backend: d.CensusBackend,
			Impact:  "bind and gossip updates paused",
			Error:   err.Error(),
		}
	}
	return componentStatus{OK: true, Backend: d.CensusBackend}
}
