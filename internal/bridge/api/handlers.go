package api

import (
	"encoding/json"
	"net/http"

	"github.com/cloudkeep/ipabridge/internal/bridge/events"
	apperrors "github.com/cloudkeep/ipabridge/internal/shared/errors"
	"github.com/cloudkeep/ipabridge/pkg/api"
)

// handleJoin serves the metadata service's vendordata request. The success
// body is the raw join document, not the API envelope: the metadata service
// injects it verbatim into the instance's vendordata.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req api.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, apperrors.NewEnrollmentError(
			apperrors.ErrCodeValidation, "malformed request body", false, err))
		return
	}

	resp, err := s.enrollment.Join(r.Context(), &req)
	if err != nil {
		WriteErrorResponse(w, r, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		GetLogger(r.Context()).ErrorCtx(r.Context(), "failed to write join response", err)
	}
}

// handleNotify accepts one lifecycle notification and runs its handlers
// before answering, so the sender sees delivery failures.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var body api.Notification
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteErrorResponse(w, r, apperrors.NewNotificationError(
			apperrors.ErrCodeValidation, "malformed notification body", false, err))
		return
	}

	n, err := events.NewNotification(body)
	if err != nil {
		WriteErrorResponse(w, r, err)
		return
	}

	if err := s.publisher.Publish(r.Context(), n); err != nil {
		WriteErrorResponse(w, r, err)
		return
	}

	_ = WriteSuccess(w, map[string]string{"status": "processed"})
}

// handleHealth reports service liveness and state store reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			WriteErrorResponse(w, r, apperrors.NewDatabaseError(
				apperrors.ErrCodeDatabase, "state store unreachable", true, err))
			return
		}
	}

	_ = WriteSuccess(w, api.HealthResponse{
		Status:  "healthy",
		Version: Version,
	})
}
