package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/cloudkeep/ipabridge/internal/shared/errors"
	"github.com/cloudkeep/ipabridge/pkg/api"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful JSON response.
func WriteSuccess[T any](w http.ResponseWriter, data T) error {
	return WriteJSON(w, http.StatusOK, api.Response[T]{
		Success: true,
		Data:    data,
	})
}

// WriteErrorResponse logs the error and translates domain errors into the
// right HTTP status and error envelope.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	logger := GetLogger(ctx)
	requestID := GetRequestID(ctx)

	logger.ErrorCtx(ctx, "API request failed", err)

	statusCode := http.StatusInternalServerError
	errorCode := apperrors.ErrCodeInternal
	message := "An internal server error occurred"
	metadata := make(map[string]any)

	if domainErr, ok := err.(apperrors.DomainError); ok {
		errorCode = domainErr.Code()
		metadata = domainErr.Metadata()
		statusCode, message = mapErrorCodeToHTTP(domainErr)
	}

	_ = WriteJSON(w, statusCode, api.Response[any]{
		Success: false,
		Error: &api.ErrorInfo{
			Code:      errorCode,
			Message:   message,
			RequestID: requestID,
			Metadata:  metadata,
		},
	})
}

// mapErrorCodeToHTTP maps domain error codes to HTTP status codes and
// user-facing messages.
func mapErrorCodeToHTTP(err apperrors.DomainError) (int, string) {
	code := err.Code()
	errMsg := err.Error()

	switch code {
	// 400 Bad Request - malformed or incomplete payloads
	case apperrors.ErrCodeValidation, apperrors.ErrCodeUnknownEvent:
		return http.StatusBadRequest, "Validation failed: " + errMsg

	// 403 Forbidden - project policy violations
	case apperrors.ErrCodeForbiddenHostclass:
		return http.StatusForbidden, "Forbidden: " + errMsg

	// 404 Not Found
	case apperrors.ErrCodeHostNotFound:
		return http.StatusNotFound, "Resource not found: " + errMsg

	// 409 Conflict
	case apperrors.ErrCodeHostConflict, apperrors.ErrCodeAlreadyEnrolled:
		return http.StatusConflict, "Resource conflict: " + errMsg

	// 502 Bad Gateway - the directory server is unreachable or rejecting us
	case apperrors.ErrCodeConnectivity, apperrors.ErrCodeAuthExpired,
		apperrors.ErrCodeRPCFault, apperrors.ErrCodeDNSRecord:
		return http.StatusBadGateway, "Directory server unavailable: " + errMsg

	// 504 Gateway Timeout
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout, "Request timed out: " + errMsg

	// 500 Internal Server Error - default fallback
	default:
		return http.StatusInternalServerError, "An internal server error occurred"
	}
}
