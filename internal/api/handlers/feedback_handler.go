package handlers

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
)

const (
	feedbackRateLimit     = 60
	feedbackRateWindow    = time.Minute
	maxCorrectionTextSize = 4000
	maxTrackedClients     = 4096
)

// FeedbackSubmitter defines the feedback operation used by the handler.
type FeedbackSubmitter interface {
	SubmitFeedback(ctx context.Context, event entities.FeedbackEvent) (entities.FeedbackAck, error)
}

// FeedbackHandler handles feedback on analysis results.
type FeedbackHandler struct {
	service FeedbackSubmitter
	cache   providers.CacheProvider
	local   *localRateLimiter
	now     func() time.Time
}

// NewFeedbackHandler creates a new feedback handler. cache may be nil, in
// which case rate limiting is per process.
func NewFeedbackHandler(service FeedbackSubmitter, cache providers.CacheProvider) *FeedbackHandler {
	return &FeedbackHandler{
		service: service,
		cache:   cache,
		local:   newLocalRateLimiter(),
		now:     time.Now,
	}
}

type feedbackRequest struct {
	ID             string `json:"id"`
	ResultID       string `json:"result_id"`
	Type           string `json:"type"`
	CorrectionText string `json:"correction_text"`
}

// SubmitFeedback handles POST /api/v1/feedback
func (h *FeedbackHandler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var payload feedbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&payload); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	payload.ResultID = strings.TrimSpace(payload.ResultID)
	payload.CorrectionText = strings.TrimSpace(payload.CorrectionText)
	if payload.ResultID == "" {
		respondWithError(w, http.StatusBadRequest, "result_id is required")
		return
	}
	if len(payload.CorrectionText) > maxCorrectionTextSize {
		respondWithError(w, http.StatusBadRequest, "correction_text is too long")
		return
	}

	key := "feedback:rate:" + clientIP(r)
	allowed, retryAfter := h.allowRequest(r.Context(), key)
	if !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ack, err := h.service.SubmitFeedback(r.Context(), entities.FeedbackEvent{
		ID:             strings.TrimSpace(payload.ID),
		ResultID:       payload.ResultID,
		Type:           entities.FeedbackType(payload.Type),
		CorrectionText: payload.CorrectionText,
		CreatedAt:      h.now(),
	})
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusAccepted, ack)
}

// allowRequest applies a fixed window limit, shared across replicas when a cache is configured.
func (h *FeedbackHandler) allowRequest(ctx context.Context, key string) (bool, time.Duration) {
	if h.cache == nil {
		return h.local.allow(key, feedbackRateLimit, feedbackRateWindow, h.now())
	}

	state := rateLimitState{}
	if data, err := h.cache.Get(ctx, key); err == nil {
		_ = json.Unmarshal(data, &state)
	}

	now := h.now()
	if state.ResetAt.IsZero() || now.After(state.ResetAt) {
		state = rateLimitState{ResetAt: now.Add(feedbackRateWindow)}
	}
	if state.Count >= feedbackRateLimit {
		return false, state.ResetAt.Sub(now)
	}

	state.Count++
	data, _ := json.Marshal(state)
	if err := h.cache.Set(ctx, key, data, state.ResetAt.Sub(now)); err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Msg("failed to persist feedback rate limit")
	}
	return true, feedbackRateWindow
}

type rateLimitState struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// localRateLimiter keeps fixed windows for the most recently seen clients only.
type localRateLimiter struct {
	mu      sync.Mutex
	windows *lru.Cache[string, *rateLimitState]
}

func newLocalRateLimiter() *localRateLimiter {
	windows, _ := lru.New[string, *rateLimitState](maxTrackedClients)
	return &localRateLimiter{windows: windows}
}

func (l *localRateLimiter) allow(key string, limit int, window time.Duration, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.windows.Get(key)
	if !ok || now.After(state.ResetAt) {
		state = &rateLimitState{ResetAt: now.Add(window)}
		l.windows.Add(key, state)
	}
	if state.Count >= limit {
		return false, state.ResetAt.Sub(now)
	}
	state.Count++
	return true, window
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
