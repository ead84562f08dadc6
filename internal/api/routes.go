package api

import (
	"net/http"

	"healthai/internal/auth"
	"healthai/internal/breaker"
	"healthai/internal/metrics"
	"healthai/internal/service"
	"healthai/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Dependencies struct {
	Services *service.Services
	Breakers *breaker.Registry
	Hub      *ws.Hub
	JWT      *auth.JWTConfig
	Metrics  *metrics.Metrics
	// Gatherer backs /metrics; nil disables the endpoint
	Gatherer    prometheus.Gatherer
	CORSOrigins []string
	Log         *zap.Logger
}

func Routes(d Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestLogger(d.Log, d.Metrics))
	r.Use(CORS(d.CORSOrigins))

	// Unauthenticated operational endpoints
	r.Get("/healthz", d.healthz)
	r.Get("/health/circuit-breakers", d.circuitBreakers)
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(d.JWT.Middleware)

		r.Route("/ai-providers", func(r chi.Router) {
			r.Post("/", d.createProvider)
			r.Get("/", d.listProviders)
			r.Get("/{id}", d.getProvider)
			r.Put("/{id}", d.updateProvider)
			r.Delete("/{id}", d.deleteProvider)
			r.Post("/{id}/test", d.testProvider)
		})

		r.Route("/ai-analysis", func(r chi.Router) {
			r.Post("/", d.submitAnalysis)
			r.Get("/", d.listAnalyses)
			r.Get("/{id}", d.getAnalysis)
			r.Get("/{id}/status", d.analysisStatus)
			r.Post("/{id}/cancel", d.cancelAnalysis)
			r.Delete("/{id}", d.deleteAnalysis)
		})

		r.Route("/health-data", func(r chi.Router) {
			r.Post("/", d.ingestMeasurement)
			r.Get("/", d.listMeasurements)
		})

		r.Route("/analysis-schedules", func(r chi.Router) {
			r.Post("/", d.createSchedule)
			r.Get("/", d.listSchedules)
			r.Get("/{id}", d.getSchedule)
			r.Put("/{id}", d.updateSchedule)
			r.Delete("/{id}", d.deleteSchedule)
			r.Post("/{id}/execute", d.executeSchedule)
			r.Post("/{id}/enable", d.enableSchedule)
			r.Post("/{id}/disable", d.disableSchedule)
			r.Get("/{id}/executions", d.scheduleExecutions)
		})

		r.Route("/analysis-workflows", func(r chi.Router) {
			r.Get("/templates", d.workflowTemplates)
			r.Post("/from-template", d.createWorkflowFromTemplate)
			r.Post("/", d.createWorkflow)
			r.Get("/", d.listWorkflows)
			r.Get("/{id}", d.getWorkflow)
			r.Put("/{id}", d.updateWorkflow)
			r.Delete("/{id}", d.deleteWorkflow)
			r.Post("/{id}/execute", d.executeWorkflow)
			r.Get("/{id}/executions", d.workflowExecutions)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Post("/channels", d.createChannel)
			r.Get("/channels", d.listChannels)
			r.Get("/channels/{id}", d.getChannel)
			r.Put("/channels/{id}", d.updateChannel)
			r.Delete("/channels/{id}", d.deleteChannel)
			r.Post("/channels/{id}/test", d.testChannel)

			r.Post("/preferences", d.createPreference)
			r.Get("/preferences", d.listPreferences)
			r.Get("/preferences/{id}", d.getPreference)
			r.Put("/preferences/{id}", d.updatePreference)
			r.Delete("/preferences/{id}", d.deletePreference)

			r.Post("/send", d.sendNotification)
			r.Get("/history", d.notificationHistory)
		})

		r.Get("/ws", d.wsHandler)
	})

	return r
}
