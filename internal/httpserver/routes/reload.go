package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/tend/internal/httpserver/deps"
	"github.com/MrSnakeDoc/tend/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/tend/internal/httpserver/mw"
)

func init() { Register(registerReload) }

func registerReload(r chi.Router, d deps.Deps) {
	if d.ReloadTrigger == nil {
		return
	}
	r.With(
		mw.AllowOnlyCIDRS(d.AllowedCIDRS, d.TrustProxy, d.Logger),
		mw.RateLimit(mw.RateLimitConfig{
			Burst:      d.ReloadLimit.Burst,
			PerMinute:  d.ReloadLimit.PerMinute,
			TrustProxy: d.TrustProxy,
		}),
	).Post("/reload", handlers.Reload(d))
}
