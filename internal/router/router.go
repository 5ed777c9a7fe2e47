package router

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leca/imgshrink/internal/api"
	"github.com/leca/imgshrink/internal/config"
	"github.com/leca/imgshrink/internal/database"
	"github.com/leca/imgshrink/internal/handler"
	"github.com/leca/imgshrink/internal/ingest"
	"github.com/leca/imgshrink/internal/optimize"
	"github.com/leca/imgshrink/internal/spool"
)

// Deps are the services the HTTP layer calls into.
type Deps struct {
	Store     database.Store
	Ingestor  *ingest.Ingestor
	Optimizer *optimize.Optimizer
	Spool     *spool.Spool
	Config    *config.Config
	Logger    *slog.Logger
}

// Server holds the application dependencies and HTTP router.
type Server struct {
	Deps
	Router chi.Router
}

// New creates a new Server with a fully configured chi router.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{Deps: d}

	h := &handler.Handler{
		Store:     d.Store,
		Ingestor:  d.Ingestor,
		Optimizer: d.Optimizer,
		Spool:     d.Spool,
		Config:    d.Config,
		Logger:    d.Logger.With("component", "http"),
	}

	r := chi.NewRouter()

	// CORS first so preflight requests never reach the handlers.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.Health)
	r.Handle("/metrics", promhttp.Handler())

	// Uploads.
	r.Post("/", h.UploadImage)
	r.Post("/api/upload", h.UploadImageAPI)
	r.Post("/api/upload/short", h.UploadImageAPI)

	// Operator endpoint. Optimization is CPU heavy, so it is only served
	// behind a configured token.
	if d.Config.AdminToken != "" {
		r.With(api.AuthMiddleware(d.Config.AdminToken)).Post("/api/optimize/{id}", h.OptimizeImage)
	} else {
		d.Logger.Info("ADMIN_TOKEN not set, optimize endpoint disabled")
	}

	// Reads. The prefixed routes are registered before the bare {id}
	// wildcard so "/json/x" is never read as id "json".
	r.Get("/image/{id}", h.RedirectImage)
	r.Get("/json/{id}", h.GetImageJSON)
	r.Get("/thumb/{id}", h.ServeThumbnail)
	r.Get("/{id}", h.ServeImage)

	s.Router = r
	return s
}

// Health returns a simple health-check response.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
