package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/tend/internal/httpserver/deps"
	"github.com/MrSnakeDoc/tend/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/tend/internal/httpserver/mw"
)

func init() { Register(registerServices) }

func registerServices(r chi.Router, d deps.Deps) {
	r.Route("/services", func(r chi.Router) {
		r.Use(mw.AllowOnlyCIDRS(d.AllowedCIDRS, d.TrustProxy, d.Logger))
		r.Get("/", handlers.Services(d))
		r.Get("/{name}", handlers.Service(d))
		r.Get("/{name}/health", handlers.ServiceHealth(d))
		r.Get("/{name}/config", handlers.ServiceConfig(d))
	})
}
