package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/tend/internal/httpserver/deps"
)

type errorResponse struct {
	Error string `json:"error"`
}

// Services lists every supervised service.
func Services(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Registry.List())
	}
}

// Service returns one service.
func Service(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		svc, ok := d.Registry.Get(name)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown service " + name})
			return
		}
		writeJSON(w, http.StatusOK, svc)
	}
}

// ServiceHealth returns the latest health check result of one service.
// 404 until the first check completed.
func ServiceHealth(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		res, ok := d.Registry.Health(name)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "no health result for " + name})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// ServiceConfig returns the merged configuration of one service, unless
// redaction is on.
func ServiceConfig(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if d.RedactConfig {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "configuration is redacted"})
			return
		}
		cfg, ok := d.Registry.Config(name)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "no configuration for " + name})
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	}
}
