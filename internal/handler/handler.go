// Package handler serves the public tracking surface: link redirects,
// the open pixel, unsubscribe and run reporting. Every tracking route
// authenticates its query parameters with a MAC; a bad signature is
// rejected without revealing why.
package handler

import (
	"database/sql"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lbeckman/mailrun/internal/config"
	"github.com/lbeckman/mailrun/internal/sign"
)

type Handler struct {
	Database *sql.DB
	Cfg      *config.Config
	Signer   sign.Signer
}

func New(database *sql.DB, cfg *config.Config) *Handler {
	return &Handler{Database: database, Cfg: cfg, Signer: sign.New(cfg.SigningSecret)}
}

func (h *Handler) Routes(trackingRL *RateLimiter) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", h.Health)
	r.Get("/runs/{id}", h.RunReport)

	r.Group(func(r chi.Router) {
		r.Use(trackingRL.Middleware)

		r.Get("/email/redirect", h.Redirect)
		r.Get("/email/open", h.OpenPixel)
		r.Get("/email/unsubscribe", h.Unsubscribe)
	})

	return r
}
