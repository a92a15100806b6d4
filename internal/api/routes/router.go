package routes

import (
	"net/http"

	"github.com/zatekoja/clinicalanalysis/backend/internal/api/handlers"
	"github.com/zatekoja/clinicalanalysis/backend/internal/api/middleware"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	analysisHandler *handlers.AnalysisHandler
	feedbackHandler *handlers.FeedbackHandler
	opsHandler      *handlers.OpsHandler
	sseHandler      *handlers.SSEHandler

	allowedOrigins []string
	metrics        *observability.Metrics
}

// NewRouter creates a new router. sseHandler may be nil when no event bus is configured.
func NewRouter(
	analysisHandler *handlers.AnalysisHandler,
	feedbackHandler *handlers.FeedbackHandler,
	opsHandler *handlers.OpsHandler,
	sseHandler *handlers.SSEHandler,
	allowedOrigins []string,
	metrics *observability.Metrics,
) *Router {
	return &Router{
		mux:             http.NewServeMux(),
		analysisHandler: analysisHandler,
		feedbackHandler: feedbackHandler,
		opsHandler:      opsHandler,
		sseHandler:      sseHandler,
		allowedOrigins:  allowedOrigins,
		metrics:         metrics,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	r.mux.HandleFunc("GET /health", r.opsHandler.Health)

	// Analysis endpoints
	r.mux.HandleFunc("POST /api/v1/patients/{id}/analysis", r.analysisHandler.AnalyzePatient)
	r.mux.HandleFunc("POST /api/v1/analysis", r.analysisHandler.AnalyzeBundle)
	r.mux.HandleFunc("GET /api/v1/adapters", r.analysisHandler.ListAdapters)
	r.mux.HandleFunc("POST /api/v1/cache/clear", r.analysisHandler.ClearCache)

	// Feedback endpoints
	r.mux.HandleFunc("POST /api/v1/feedback", r.feedbackHandler.SubmitFeedback)
	r.mux.HandleFunc("GET /api/v1/feedback/state", r.opsHandler.LearnerState)

	r.mux.HandleFunc("GET /api/v1/notifications/stats", r.opsHandler.NotificationStats)

	if r.sseHandler != nil {
		r.mux.HandleFunc("GET /api/v1/stream/analyses", r.sseHandler.StreamAnalyses)
	}

	// Apply middleware in reverse order (last middleware wraps first)
	var handler http.Handler = r.mux
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.ObservabilityMiddleware(r.metrics)(handler)
	handler = middleware.CorrelationMiddleware(handler)
	// CORS wraps everything so preflights skip the rest of the chain
	handler = middleware.CORSMiddleware(r.allowedOrigins)(handler)

	return handler
}
