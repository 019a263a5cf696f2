// Package api is the gateway's REST surface: fleet management, the job
// queue, direct device operations and the commissioning tools.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/pkg/controlplane/store"
	"github.com/datecs-gw/fiscalgw/pkg/metrics"
	"github.com/datecs-gw/fiscalgw/pkg/mqtt"
	"github.com/datecs-gw/fiscalgw/pkg/queue"
)

// Deps wires the router to the rest of the gateway.
type Deps struct {
	Store *store.GORMStore
	// Locks is the dispatcher's per-printer lock map so direct device
	// operations serialise against running jobs.
	Locks  *queue.PrinterLocks
	Runner queue.Runner
	Bridge *mqtt.Bridge
	// DryRun forces every direct device operation into dry-run mode.
	DryRun bool
}

// NewRouter creates and configures the chi router with all middleware and
// routes.
//
// Routes:
//   - GET /healthz - Liveness probe
//   - GET /metrics - Prometheus metrics (404 until enabled)
//   - /api/printers/* - Fleet CRUD and direct device operations
//   - /api/jobs/* - Job queue
//   - GET /api/logs - Persisted log trail
//   - /api/tools/* - Port discovery, model registry, printer detection
//   - /api/mqtt/* - Bridge status and test publish
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	printerHandler := NewPrinterHandler(deps.Store, deps.Locks, deps.Runner, deps.DryRun)
	jobHandler := NewJobHandler(deps.Store)
	logHandler := NewLogHandler(deps.Store)
	toolsHandler := NewToolsHandler()
	mqttHandler := NewMQTTHandler(deps.Bridge)

	r.Route("/api", func(r chi.Router) {
		r.Route("/printers", func(r chi.Router) {
			r.Get("/", printerHandler.List)
			r.Post("/", printerHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", printerHandler.Get)
				r.Put("/", printerHandler.Update)
				r.Delete("/", printerHandler.Delete)

				// Direct device operations
				r.Post("/test-print", printerHandler.TestPrint)
				r.Get("/status", printerHandler.Status)
				r.Get("/datetime", printerHandler.ReadDateTime)
				r.Post("/datetime/sync", printerHandler.SyncDateTime)
				r.Post("/cancel_receipt", printerHandler.CancelReceipt)
			})
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", jobHandler.List)
			r.Post("/", jobHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", jobHandler.Get)
				r.Post("/retry", jobHandler.Retry)
				r.Post("/cancel", jobHandler.Cancel)
			})
		})

		r.Get("/logs", logHandler.List)

		r.Route("/tools", func(r chi.Router) {
			r.Get("/serial-ports", toolsHandler.SerialPorts)
			r.Get("/models", toolsHandler.Models)
			r.Post("/detect-printer", toolsHandler.DetectPrinter)
		})

		r.Route("/mqtt", func(r chi.Router) {
			r.Get("/status", mqttHandler.Status)
			r.Post("/publish", mqttHandler.Publish)
		})
	})

	return r
}

// requestLogger logs request start at DEBUG and completion at INFO, with
// health probes kept at DEBUG to reduce noise.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		}
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			logger.Debug("API request completed", logArgs...)
		} else {
			logger.Info("API request completed", logArgs...)
		}
	})
}
