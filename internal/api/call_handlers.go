package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carephone/carephone/internal/database/models"
)

type placeCallRequest struct {
	Number string `json:"number"`
}

// callLogResponse is the JSON shape of a call log entry.
type callLogResponse struct {
	ID          int64  `json:"id"`
	ContactID   *int64 `json:"contact_id,omitempty"`
	PhoneNumber string `json:"phone_number"`
	ContactName string `json:"contact_name,omitempty"`
	Type        string `json:"type"`
	Timestamp   string `json:"timestamp"`
	Duration    int    `json:"duration"`
	Read        bool   `json:"read"`
}

func toCallLogResponse(e *models.CallLogEntry) callLogResponse {
	return callLogResponse{
		ID:          e.ID,
		ContactID:   e.ContactID,
		PhoneNumber: e.PhoneNumber,
		ContactName: e.ContactName,
		Type:        string(e.Type),
		Timestamp:   e.Timestamp.Format(time.RFC3339),
		Duration:    e.Duration,
		Read:        e.Read,
	}
}

func toCallLogResponses(entries []models.CallLogEntry) []callLogResponse {
	out := make([]callLogResponse, len(entries))
	for i := range entries {
		out[i] = toCallLogResponse(&entries[i])
	}
	return out
}

type toggleResponse struct {
	On bool `json:"on"`
}

// handleGetCall returns the current call, or null when the line is idle.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.calls.Current())
}

func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validatePhoneNumber("number", req.Number); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.calls.PlaceCall(r.Context(), req.Number); err != nil {
		writeCommandError(w, "place call", err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.calls.Current())
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	s.callCommand(w, r, "answer", s.calls.Answer)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.callCommand(w, r, "reject", s.calls.Reject)
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	s.callCommand(w, r, "end call", s.calls.EndCall)
}

func (s *Server) callCommand(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		writeCommandError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, s.calls.Current())
}

func (s *Server) handleToggleSpeaker(w http.ResponseWriter, r *http.Request) {
	on, err := s.calls.ToggleSpeaker()
	if err != nil {
		writeCommandError(w, "toggle speaker", err)
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{On: on})
}

func (s *Server) handleToggleMute(w http.ResponseWriter, r *http.Request) {
	on, err := s.calls.ToggleMute()
	if err != nil {
		writeCommandError(w, "toggle mute", err)
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{On: on})
}

// handleListMissedCalls returns the unread missed and rejected calls the
// phone screen shows.
func (s *Server) handleListMissedCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toCallLogResponses(s.missed.Active()))
}

// handleDismissAll marks every missed call read and stops reminders.
func (s *Server) handleDismissAll(w http.ResponseWriter, r *http.Request) {
	if err := s.nag.DismissAll(r.Context()); err != nil {
		s.logger.Error("dismiss missed calls: failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toCallLogResponses(s.missed.Active()))
}

// handleDismiss marks one missed call read.
func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.nag.Dismiss(r.Context(), id); err != nil {
		s.logger.Error("dismiss missed call: failed", "error", err, "call_log_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toCallLogResponses(s.missed.Active()))
}

// handleRegistration reports whether the line is registered with the provider.
func (s *Server) handleRegistration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registration.Registration())
}
