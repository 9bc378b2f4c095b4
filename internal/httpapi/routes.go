package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DoyleJ11/table-sync/internal/hub"
	"github.com/DoyleJ11/table-sync/internal/logging"
	"github.com/DoyleJ11/table-sync/internal/ws"
)

func SetupRoutes(h *hub.Hub, log *zap.Logger) http.Handler {
	log = logging.OrNop(log)
	a := &api{hub: h, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", Healthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", ws.Handler(h, log))

	r.Route("/tables", func(r chi.Router) {
		r.Post("/", a.CreateTable)
		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", a.RemoveTable)
			r.Post("/state", a.PublishState)
			r.Get("/snapshot", a.GetSnapshot)
			r.Get("/sync", a.Sync)
			r.Post("/recover", a.Recover)
			r.Post("/actions/resolve", a.ResolveActions)
		})
	})
	return r
}
