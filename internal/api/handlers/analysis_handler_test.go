package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinicalanalysis/backend/internal/api/handlers"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
)

type stubAnalysisService struct {
	result    *entities.AnalysisResult
	err       error
	patientID string
	bundle    *entities.PatientBundle
	opts      entities.AnalysisOptions
	cleared   int
	events    []entities.FeedbackEvent
	ackErr    error
	statuses  []entities.AdapterStatus
}

func (s *stubAnalysisService) AnalyzePatient(ctx context.Context, patientID string, opts entities.AnalysisOptions) (*entities.AnalysisResult, error) {
	s.patientID = patientID
	s.opts = opts
	return s.result, s.err
}

func (s *stubAnalysisService) AnalyzeBundle(ctx context.Context, bundle *entities.PatientBundle, opts entities.AnalysisOptions) (*entities.AnalysisResult, error) {
	s.bundle = bundle
	s.opts = opts
	return s.result, s.err
}

func (s *stubAnalysisService) SubmitFeedback(ctx context.Context, event entities.FeedbackEvent) (entities.FeedbackAck, error) {
	if s.ackErr != nil {
		return entities.FeedbackAck{}, s.ackErr
	}
	s.events = append(s.events, event)
	return entities.FeedbackAck{EventID: "ev-1", ResultID: event.ResultID, Status: entities.FeedbackStatusQueued}, nil
}

func (s *stubAnalysisService) ClearCache(ctx context.Context) error {
	s.cleared++
	return s.err
}

func (s *stubAnalysisService) GetAdapterStatus() []entities.AdapterStatus {
	return s.statuses
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestAnalysisHandler_AnalyzePatient(t *testing.T) {
	service := &stubAnalysisService{result: &entities.AnalysisResult{ID: "r-1", PatientID: "p-1", HighestSeverity: entities.SeverityHigh}}
	handler := handlers.NewAnalysisHandler(service)

	body := `{"specialty":"cardiology","include_reasoning":true,"query_type":"question","question":"  stroke risk?  "}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/patients/p-1/analysis", strings.NewReader(body))
	req.SetPathValue("id", "p-1")
	w := httptest.NewRecorder()

	handler.AnalyzePatient(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "p-1", service.patientID)
	assert.Equal(t, "cardiology", service.opts.Specialty)
	assert.True(t, service.opts.IncludeReasoning)
	assert.Equal(t, "stroke risk?", service.opts.Question)

	var result entities.AnalysisResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, "r-1", result.ID)
	assert.Equal(t, entities.SeverityHigh, result.HighestSeverity)
}

func TestAnalysisHandler_AnalyzePatient_EmptyBody(t *testing.T) {
	service := &stubAnalysisService{result: &entities.AnalysisResult{ID: "r-2"}}
	handler := handlers.NewAnalysisHandler(service)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/patients/p-2/analysis", nil)
	req.SetPathValue("id", "p-2")
	w := httptest.NewRecorder()

	handler.AnalyzePatient(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "p-2", service.patientID)
}

func TestAnalysisHandler_AnalyzePatient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		errType string
		message string
	}{
		{"not found", apperrors.NewNotFoundError("patient not found"), http.StatusNotFound, "NOT_FOUND", "patient not found"},
		{"data unavailable", apperrors.NewDataUnavailableError("bundle unreadable"), http.StatusUnprocessableEntity, "DATA_UNAVAILABLE", "bundle unreadable"},
		{"validation", apperrors.NewValidationError("bad id"), http.StatusBadRequest, "VALIDATION", "bad id"},
		{"external", apperrors.NewExternalError("upstream", errors.New("boom")), http.StatusBadGateway, "EXTERNAL", "upstream"},
		{"caller deadline", apperrors.NewWaitError(context.DeadlineExceeded), http.StatusGatewayTimeout, "TIMEOUT", "request deadline exceeded"},
		{"caller canceled", apperrors.NewWaitError(context.Canceled), 499, "CANCELED", "request canceled"},
		{"internal hides detail", errors.New("db password leaked"), http.StatusInternalServerError, "", "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := handlers.NewAnalysisHandler(&stubAnalysisService{err: tt.err})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/patients/p-1/analysis", nil)
			req.SetPathValue("id", "p-1")
			w := httptest.NewRecorder()

			handler.AnalyzePatient(w, req)

			assert.Equal(t, tt.status, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, tt.errType, body["type"])
			assert.Equal(t, tt.message, body["error"])
		})
	}
}

func TestAnalysisHandler_AnalyzePatient_MissingID(t *testing.T) {
	handler := handlers.NewAnalysisHandler(&stubAnalysisService{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/patients//analysis", nil)
	w := httptest.NewRecorder()

	handler.AnalyzePatient(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalysisHandler_AnalyzeBundle(t *testing.T) {
	service := &stubAnalysisService{result: &entities.AnalysisResult{ID: "r-3", PatientID: "inline-1"}}
	handler := handlers.NewAnalysisHandler(service)

	body := `{"bundle":{"id":"inline-1","demographics":{"age":71,"sex":"female"}},"include_recommendations":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/analysis", strings.NewReader(body))
	w := httptest.NewRecorder()

	handler.AnalyzeBundle(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, service.bundle)
	assert.Equal(t, "inline-1", service.bundle.ID)
	require.NotNil(t, service.bundle.Demographics.Age)
	assert.Equal(t, 71, *service.bundle.Demographics.Age)
	assert.True(t, service.opts.IncludeRecommendations)
}

func TestAnalysisHandler_AnalyzeBundle_Invalid(t *testing.T) {
	handler := handlers.NewAnalysisHandler(&stubAnalysisService{})

	for name, body := range map[string]string{
		"malformed":      `{"bundle":`,
		"missing bundle": `{"specialty":"cardiology"}`,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/analysis", strings.NewReader(body))
			w := httptest.NewRecorder()
			handler.AnalyzeBundle(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestAnalysisHandler_ListAdapters(t *testing.T) {
	service := &stubAnalysisService{statuses: []entities.AdapterStatus{
		{ID: "generic", Loaded: true, Weight: 1},
		{ID: "cardiology", Specialties: []string{"cardiology"}, Weight: 1.2},
	}}
	handler := handlers.NewAnalysisHandler(service)

	w := httptest.NewRecorder()
	handler.ListAdapters(w, httptest.NewRequest(http.MethodGet, "/api/v1/adapters", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Adapters []entities.AdapterStatus `json:"adapters"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body.Adapters, 2)
	assert.Equal(t, "cardiology", body.Adapters[1].ID)
}

func TestAnalysisHandler_ClearCache(t *testing.T) {
	service := &stubAnalysisService{}
	handler := handlers.NewAnalysisHandler(service)

	w := httptest.NewRecorder()
	handler.ClearCache(w, httptest.NewRequest(http.MethodPost, "/api/v1/cache/clear", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, service.cleared)
	assert.Equal(t, "cleared", decodeError(t, w)["status"])
}
