package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentdiff/harness/internal/auth"
)

// NewRouter assembles the full HTTP surface: the flat platform route
// table plus liveness/metrics, behind logging, recovery, CORS and
// control-plane auth middleware. Service facades
// (/api/env/{env_id}/services/{service}/...) are not mounted: the
// router serves no per-environment service routes.
func NewRouter(h *Handlers, authClient *auth.Client) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(RequestLogger())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "X-API-Key", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/platform", func(pr chi.Router) {
		pr.Get("/health", h.Health)

		pr.Use(AuthMiddleware(authClient))

		pr.Post("/initEnv", h.InitEnv)
		pr.Post("/startRun", h.StartRun)
		pr.Post("/endRun", h.EndRun)
		pr.Post("/evaluateRun", h.EvaluateRun)
		pr.Post("/diffRun", h.DiffRun)
		pr.Post("/deleteEnv", h.DeleteEnv)

		pr.Get("/templates", h.Templates)

		pr.Post("/testSuites", h.CreateTestSuite)
		pr.Get("/testSuites", h.TestSuites)
		pr.Post("/tests", h.CreateTest)
		pr.Get("/tests", h.Tests)
	})

	return r
}
