package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinicalanalysis/backend/internal/api/handlers"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
)

type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: make(map[string][]byte)}
}

func (c *memoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return nil, providers.ErrCacheMiss
	}
	return v, nil
}

func (c *memoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memoryCache) DeletePrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.data {
		if strings.HasPrefix(k, prefix) {
			delete(c.data, k)
		}
	}
	return nil
}

func postFeedback(handler *handlers.FeedbackHandler, body, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/feedback", strings.NewReader(body))
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	handler.SubmitFeedback(w, req)
	return w
}

func TestFeedbackHandler_SubmitFeedback_Accepted(t *testing.T) {
	service := &stubAnalysisService{}
	handler := handlers.NewFeedbackHandler(service, nil)

	w := postFeedback(handler, `{"result_id":" r-1 ","type":"correction","correction_text":"dose was already reduced"}`, "10.0.0.1:1234")

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, service.events, 1)
	assert.Equal(t, "r-1", service.events[0].ResultID)
	assert.Equal(t, entities.FeedbackCorrection, service.events[0].Type)
	assert.False(t, service.events[0].CreatedAt.IsZero())

	var ack entities.FeedbackAck
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ack))
	assert.Equal(t, entities.FeedbackStatusQueued, ack.Status)
	assert.Equal(t, "r-1", ack.ResultID)
}

func TestFeedbackHandler_SubmitFeedback_Validation(t *testing.T) {
	handler := handlers.NewFeedbackHandler(&stubAnalysisService{}, nil)

	tests := map[string]string{
		"malformed":         `{"result_id":`,
		"missing result id": `{"type":"positive"}`,
		"correction too long": `{"result_id":"r-1","type":"correction","correction_text":"` +
			strings.Repeat("x", 4001) + `"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := postFeedback(handler, body, "10.0.0.3:1234")
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestFeedbackHandler_SubmitFeedback_ServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unknown target", apperrors.NewUnknownFeedbackTargetError("r-missing"), http.StatusNotFound},
		{"queue full", apperrors.NewFeedbackQueueFullError(), http.StatusServiceUnavailable},
		{"unknown type", apperrors.NewValidationError("unknown feedback type"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := handlers.NewFeedbackHandler(&stubAnalysisService{ackErr: tt.err}, nil)
			w := postFeedback(handler, `{"result_id":"r-missing","type":"positive"}`, "10.0.0.4:1234")
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestFeedbackHandler_SubmitFeedback_RateLimit(t *testing.T) {
	for name, cache := range map[string]providers.CacheProvider{
		"local":  nil,
		"shared": newMemoryCache(),
	} {
		t.Run(name, func(t *testing.T) {
			service := &stubAnalysisService{}
			handler := handlers.NewFeedbackHandler(service, cache)

			for i := 0; i < 60; i++ {
				w := postFeedback(handler, `{"result_id":"r-1","type":"positive"}`, "10.0.0.2:1234")
				require.Equal(t, http.StatusAccepted, w.Code)
			}

			w := postFeedback(handler, `{"result_id":"r-1","type":"positive"}`, "10.0.0.2:1234")
			assert.Equal(t, http.StatusTooManyRequests, w.Code)
			assert.NotEmpty(t, w.Header().Get("Retry-After"))

			other := postFeedback(handler, `{"result_id":"r-1","type":"positive"}`, "10.0.0.9:1234")
			assert.Equal(t, http.StatusAccepted, other.Code)
			assert.Len(t, service.events, 61)
		})
	}
}

func TestFeedbackHandler_RateLimit_ForwardedFor(t *testing.T) {
	handler := handlers.NewFeedbackHandler(&stubAnalysisService{}, newMemoryCache())

	send := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/feedback", strings.NewReader(`{"result_id":"r-1","type":"negative"}`))
		req.RemoteAddr = "10.0.0.1:1234"
		req.Header.Set("X-Forwarded-For", forwarded)
		w := httptest.NewRecorder()
		handler.SubmitFeedback(w, req)
		return w.Code
	}

	for i := 0; i < 60; i++ {
		require.Equal(t, http.StatusAccepted, send("203.0.113.5, 10.0.0.1"))
	}
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.5"))
	assert.Equal(t, http.StatusAccepted, send("198.51.100.7"))
}
