package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
)

const maxRequestBody = 1 << 20

// AnalysisService defines the analysis operations used by the handlers
type AnalysisService interface {
	AnalyzePatient(ctx context.Context, patientID string, opts entities.AnalysisOptions) (*entities.AnalysisResult, error)
	AnalyzeBundle(ctx context.Context, bundle *entities.PatientBundle, opts entities.AnalysisOptions) (*entities.AnalysisResult, error)
	SubmitFeedback(ctx context.Context, event entities.FeedbackEvent) (entities.FeedbackAck, error)
	ClearCache(ctx context.Context) error
	GetAdapterStatus() []entities.AdapterStatus
}

// AnalysisHandler serves analysis requests
type AnalysisHandler struct {
	service AnalysisService
}

// NewAnalysisHandler creates a new analysis handler
func NewAnalysisHandler(service AnalysisService) *AnalysisHandler {
	return &AnalysisHandler{service: service}
}

type analysisOptionsRequest struct {
	Specialty              string `json:"specialty"`
	IncludeRecommendations bool   `json:"include_recommendations"`
	IncludeReasoning       bool   `json:"include_reasoning"`
	QueryType              string `json:"query_type"`
	Question               string `json:"question"`
}

func (o analysisOptionsRequest) options() entities.AnalysisOptions {
	return entities.AnalysisOptions{
		Specialty:              o.Specialty,
		IncludeRecommendations: o.IncludeRecommendations,
		IncludeReasoning:       o.IncludeReasoning,
		QueryType:              entities.ParseQueryType(o.QueryType),
		Question:               strings.TrimSpace(o.Question),
	}
}

type bundleAnalysisRequest struct {
	analysisOptionsRequest
	Bundle *entities.PatientBundle `json:"bundle"`
}

// AnalyzePatient handles POST /api/v1/patients/{id}/analysis. The body is optional.
func (h *AnalysisHandler) AnalyzePatient(w http.ResponseWriter, r *http.Request) {
	patientID := strings.TrimSpace(r.PathValue("id"))
	if patientID == "" {
		respondWithError(w, http.StatusBadRequest, "patient id is required")
		return
	}

	var payload analysisOptionsRequest
	if err := decodeOptional(r, &payload); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	result, err := h.service.AnalyzePatient(r.Context(), patientID, payload.options())
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// AnalyzeBundle handles POST /api/v1/analysis with an inline patient bundle
func (h *AnalysisHandler) AnalyzeBundle(w http.ResponseWriter, r *http.Request) {
	var payload bundleAnalysisRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&payload); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if payload.Bundle == nil {
		respondWithError(w, http.StatusBadRequest, "bundle is required")
		return
	}

	result, err := h.service.AnalyzeBundle(r.Context(), payload.Bundle, payload.options())
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// ListAdapters handles GET /api/v1/adapters
func (h *AnalysisHandler) ListAdapters(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"adapters": h.service.GetAdapterStatus(),
	})
}

// ClearCache handles POST /api/v1/cache/clear
func (h *AnalysisHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ClearCache(r.Context()); err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
