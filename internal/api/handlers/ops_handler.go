package handlers

import (
	"net/http"

	"github.com/zatekoja/clinicalanalysis/backend/internal/application/services"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
)

// LearnerInspector exposes the feedback learner state
type LearnerInspector interface {
	Snapshot() services.LearnerSnapshot
}

// DeliveryInspector exposes notification delivery counters
type DeliveryInspector interface {
	Stats() map[string]entities.ChannelStats
	Dropped() uint64
}

// OpsHandler serves operational read-only endpoints
type OpsHandler struct {
	learner  LearnerInspector
	delivery DeliveryInspector
}

// NewOpsHandler creates an ops handler. Either inspector may be nil.
func NewOpsHandler(learner LearnerInspector, delivery DeliveryInspector) *OpsHandler {
	return &OpsHandler{learner: learner, delivery: delivery}
}

// Health handles GET /health
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// LearnerState handles GET /api/v1/feedback/state
func (h *OpsHandler) LearnerState(w http.ResponseWriter, r *http.Request) {
	if h.learner == nil {
		respondWithError(w, http.StatusNotFound, "feedback learning disabled")
		return
	}
	respondWithJSON(w, http.StatusOK, h.learner.Snapshot())
}

// NotificationStats handles GET /api/v1/notifications/stats
func (h *OpsHandler) NotificationStats(w http.ResponseWriter, r *http.Request) {
	if h.delivery == nil {
		respondWithError(w, http.StatusNotFound, "notifications disabled")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"channels": h.delivery.Stats(),
		"dropped":  h.delivery.Dropped(),
	})
}
