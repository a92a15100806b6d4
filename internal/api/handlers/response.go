package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
)

// statusClientClosedRequest is the de facto status for a caller that went away.
const statusClientClosedRequest = 499

type errorResponse struct {
	Error         string `json:"error"`
	Type          string `json:"type,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, errorResponse{Error: message})
}

// statusFor maps an application error type to an HTTP status
func statusFor(t apperrors.ErrorType) int {
	switch t {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case apperrors.ErrorTypeNotFound, apperrors.ErrorTypeUnknownFeedbackTarget:
		return http.StatusNotFound
	case apperrors.ErrorTypeDataUnavailable:
		return http.StatusUnprocessableEntity
	case apperrors.ErrorTypeFeedbackQueueFull:
		return http.StatusServiceUnavailable
	case apperrors.ErrorTypeExternal:
		return http.StatusBadGateway
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrorTypeCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondWithAppError writes err with the status and type of its application error.
// Internal errors are logged and reported without detail.
func respondWithAppError(w http.ResponseWriter, r *http.Request, err error) {
	t := apperrors.TypeOf(err)
	status := statusFor(t)
	resp := errorResponse{
		Error:         err.Error(),
		Type:          string(t),
		CorrelationID: observability.CorrelationID(r.Context()),
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		resp.Error = appErr.Message
	}

	logger := observability.LoggerFromContext(r.Context())
	if t == apperrors.ErrorTypeTimeout || t == apperrors.ErrorTypeCanceled {
		logger.Warn().Err(err).Str("error_type", string(t)).Msg("request abandoned before the analysis finished")
	} else if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("error_type", string(t)).Msg("request failed")
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	} else {
		logger.Debug().Err(err).Str("error_type", string(t)).Msg("request rejected")
	}
	respondWithJSON(w, status, resp)
}
