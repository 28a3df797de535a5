package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/submissions", h.EnqueueSubmission)
		r.Route("/submissions/{submissionId}", func(r chi.Router) {
			r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
				h.GetStatus(w, r, chi.URLParam(r, "submissionId"))
			})
			r.Get("/pages", func(w http.ResponseWriter, r *http.Request) {
				h.GetPages(w, r, chi.URLParam(r, "submissionId"))
			})
			r.Get("/counters", func(w http.ResponseWriter, r *http.Request) {
				h.GetCounters(w, r, chi.URLParam(r, "submissionId"))
			})
		})
	})

	return r
}
