package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/api/handler"
	apimw "github.com/dronehub/telemetry-scheduler/internal/api/middleware"
	"github.com/dronehub/telemetry-scheduler/internal/coordinator"
	"github.com/dronehub/telemetry-scheduler/internal/monitoring"
	"github.com/dronehub/telemetry-scheduler/internal/notification"
	"github.com/dronehub/telemetry-scheduler/internal/producer"
	"github.com/dronehub/telemetry-scheduler/internal/repository"
)

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(
	tasks repository.TaskRepository,
	archive *producer.ArchiveProducer,
	cleanup *producer.CleanupProducer,
	coord *coordinator.Coordinator,
	collector *monitoring.Collector,
	engine *notification.Engine,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)          // recover panics, return 500
	r.Use(chimw.RealIP)             // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1<<20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)      // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	hh := handler.NewHealthHandler(coord, collector)
	sh := handler.NewScheduleHandler(archive, cleanup, coord, logger)
	th := handler.NewTaskHandler(tasks, logger)
	ah := handler.NewAlertHandler(collector, logger)
	nh := handler.NewNotificationHandler(engine, logger)

	// --- routes ---
	r.Get("/health", hh.Health)

	// Raw Prometheus scrape endpoint (for Prometheus server / Grafana)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Schedule control
		r.Get("/schedule/status", sh.Status)
		r.Post("/schedule/trigger", sh.Trigger)
		r.Post("/cleanup/trigger", sh.TriggerCleanup)

		// Tasks. Note: /statistics must be registered before /{id}
		// so chi does not treat the literal string "statistics" as an ID.
		r.Get("/tasks/statistics", th.Statistics)
		r.Get("/tasks", th.List)
		r.Get("/tasks/{id}", th.GetByID)
		r.Delete("/tasks/{id}", th.Delete)

		// Alerts
		r.Get("/alerts", ah.List)
		r.Post("/alerts/{id}/resolve", ah.Resolve)

		// Notifications
		r.Get("/notifications/history", nh.History)
		r.Get("/notifications/stats", nh.Stats)
		r.Post("/notifications/test", nh.TestSend)
	})

	return r
}
