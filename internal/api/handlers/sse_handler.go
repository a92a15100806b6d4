package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
)

const sseHeartbeatInterval = 30 * time.Second

// SSEHandler relays analysis completion events from the event bus to browsers.
type SSEHandler struct {
	eventBus  providers.EventBus
	active    atomic.Int64
	heartbeat time.Duration
}

// NewSSEHandler creates a new SSE handler
func NewSSEHandler(eventBus providers.EventBus) *SSEHandler {
	return &SSEHandler{
		eventBus:  eventBus,
		heartbeat: sseHeartbeatInterval,
	}
}

// StreamAnalyses handles GET /api/v1/stream/analyses. With ?patient_id=X only
// that patient's results are streamed. The stream ends when the client goes
// away or the bus closes the subscription.
func (h *SSEHandler) StreamAnalyses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.LoggerFromContext(ctx)

	channel := providers.EventChannelAnalysisCompleted
	if patientID := strings.TrimSpace(r.URL.Query().Get("patient_id")); patientID != "" {
		channel = providers.GetPatientChannel(patientID)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := h.eventBus.Subscribe(ctx, channel)
	if err != nil {
		logger.Error().Err(err).Str("channel", channel).Msg("failed to subscribe to analysis events")
		respondWithError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	h.active.Add(1)
	defer h.active.Add(-1)

	writeEvent(w, "connected", "", mustJSON(map[string]interface{}{
		"channel":   channel,
		"timestamp": time.Now().UTC(),
	}))
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Str("channel", channel).Msg("analysis stream client disconnected")
			return
		case <-ticker.C:
			writeEvent(w, "heartbeat", "", mustJSON(map[string]interface{}{"timestamp": time.Now().UTC()}))
			flusher.Flush()
		case payload, ok := <-events:
			if !ok {
				writeEvent(w, "closed", "", []byte(`{}`))
				flusher.Flush()
				return
			}
			writeEvent(w, "analysis.completed", resultID(payload), payload)
			flusher.Flush()
		}
	}
}

// ActiveStreams returns the number of connected stream clients.
func (h *SSEHandler) ActiveStreams() int {
	return int(h.active.Load())
}

// resultID lets clients resume with Last-Event-ID; payloads without one get no id line.
func resultID(payload []byte) string {
	var envelope struct {
		ResultID string `json:"result_id"`
	}
	if json.Unmarshal(payload, &envelope) != nil {
		return ""
	}
	return envelope.ResultID
}

func writeEvent(w http.ResponseWriter, event, id string, data []byte) {
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return data
}
