package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Router builds the admin API. Every route lives under /admin so the
// handler can be mounted on a shared mux as is.
func Router(handlers *AdminHandlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/admin", func(r chi.Router) {
		r.Use(AuthMiddleware)

		r.Get("/", handlers.handleSummary)

		// Regions and their resolved ts
		r.Get("/regions", handlers.handleListRegions)
		r.Get("/regions/{regionID}", handlers.handleRegion)
		r.Get("/regions/{regionID}/locks", handlers.handleRegionLocks)
		r.Get("/stalled", handlers.handleStalled)

		// Subscribers and export
		r.Get("/conns", handlers.handleConns)
		r.Get("/publisher", handlers.handlePublisher)
		r.Get("/router", handlers.handleRouter)

		r.Route("/cluster", func(r chi.Router) {
			r.Get("/nodes", handlers.handleClusterNodes)
			r.Post("/forget/{nodeID}", handlers.handleClusterForget)
			r.Get("/raft", handlers.handleClusterRaft)
		})
	})

	log.Info().Msg("Admin endpoints enabled at /admin/*")
	return r
}
