package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/internal/definition"
	"github.com/pitabwire/stepper/internal/idempotency"
	"github.com/pitabwire/stepper/internal/observability"
	"github.com/pitabwire/stepper/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Engine       *workflow.Engine
	Registry     *definition.Registry
	Authenticate func(http.Handler) http.Handler
	Idempotency  idempotency.Store
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		r.Handle(cfg.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	idemTTL := cfg.Idempotency.Store.DefaultTTL
	idemStore := deps.Idempotency
	if !cfg.Idempotency.Enabled {
		idemStore = nil
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Identity.ClaimPaths))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(Idempotency(idemStore, idemTTL, maxJSONBody, deps.Metrics))

		engine := deps.Engine

		r.Get("/definitions", handleListDefinitions(deps.Registry))
		r.Get("/definitions/{workflowId}", handleGetDefinition(deps.Registry))
		r.Post("/workflows/{workflowId}/instances", handleCreateInstance(engine))

		r.Get("/instances", handleListInstances(engine))
		r.Route("/instances/{instanceId}", func(r chi.Router) {
			r.Get("/", handleGetInstance(engine))
			r.Patch("/fields", handleSetFields(engine))
			r.Post("/advance", handleAdvance(engine))
			r.Post("/retreat", handleRetreat(engine))
			r.Post("/jump", handleJump(engine))
			r.Post("/cancel", handleCancel(engine))

			r.Post("/documents/{slotId}", handleUploadDocument(engine, cfg.Storage.MaxUploadBytes))
			r.Post("/documents/{slotId}/verification", handleVerifyDocument(engine))
			r.Delete("/documents/{slotId}", handleResetDocument(engine))

			r.Put("/decisions/{key}", handleRecordDecision(engine))
			r.Delete("/decisions/{key}", handleRecheckDecision(engine))

			r.Get("/summary", handleSummary(engine))
			r.Get("/steps", handleSteps(engine))
			r.Get("/failures", handleFailures(engine))
			r.Get("/events", handleEvents(engine))
		})
	})

	return r
}
