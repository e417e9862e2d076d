package api

import (
	"errors"
	"net/http"

	"github.com/carephone/carephone/internal/database"
	"github.com/carephone/carephone/internal/database/models"
	"github.com/carephone/carephone/internal/policy"
	"github.com/carephone/carephone/internal/telephony"
)

// settingsResponse is the shape returned by GET /settings. The PIN hash is
// never returned.
type settingsResponse struct {
	policy.Snapshot
	HasPIN bool `json:"has_pin"`
}

// settingsRequest is the shape accepted by PUT /settings. Absent fields are
// left unchanged; the merged policy is validated as a whole.
type settingsRequest struct {
	UserName                    *string              `json:"user_name"`
	FeatureLevel                *policy.FeatureLevel `json:"feature_level"`
	RejectUnknownCalls          *bool                `json:"reject_unknown_calls"`
	AutoAnswerEnabled           *bool                `json:"auto_answer_enabled"`
	AutoAnswerDelaySeconds      *int                 `json:"auto_answer_delay_seconds"`
	SpeakerphoneAlwaysOn        *bool                `json:"speakerphone_always_on"`
	SpeakerVolume               *int                 `json:"speaker_volume"`
	MissedCallNagEnabled        *bool                `json:"missed_call_nag_enabled"`
	MissedCallNagInterval       *policy.NagInterval  `json:"missed_call_nag_interval"`
	NagSound                    *policy.NagSound     `json:"nag_sound"`
	TTSEnabled                  *bool                `json:"tts_enabled"`
	TTSSpeed                    *float64             `json:"tts_speed"`
	BatteryAnnouncementsEnabled *bool                `json:"battery_announcements_enabled"`
	EmergencyNumber             *string              `json:"emergency_number"`
	CarerAlertEmail             *string              `json:"carer_alert_email"`
	CarerPushToken              *string              `json:"carer_push_token"`
	CarerPushPlatform           *string              `json:"carer_push_platform"`
	CarerPIN                    *string              `json:"carer_pin"`
}

func validateSettingsRequest(req settingsRequest) string {
	if req.UserName != nil {
		if msg := validateRequiredStringLen("user_name", *req.UserName, maxNameLen); msg != "" {
			return msg
		}
	}
	if req.EmergencyNumber != nil {
		if msg := validatePhoneNumber("emergency_number", *req.EmergencyNumber); msg != "" {
			return msg
		}
	}
	if req.CarerAlertEmail != nil {
		if msg := validateEmail("carer_alert_email", *req.CarerAlertEmail); msg != "" {
			return msg
		}
	}
	if req.CarerPushToken != nil {
		if msg := validateStringLen("carer_push_token", *req.CarerPushToken, maxTokenLen); msg != "" {
			return msg
		}
	}
	if req.CarerPIN != nil {
		return validatePIN("carer_pin", *req.CarerPIN)
	}
	return ""
}

// apply merges the request into p. pinHash is the already hashed new PIN.
func (req settingsRequest) apply(p *policy.Snapshot, pinHash string) {
	setIf(&p.UserName, req.UserName)
	setIf(&p.FeatureLevel, req.FeatureLevel)
	setIf(&p.RejectUnknownCalls, req.RejectUnknownCalls)
	setIf(&p.AutoAnswerEnabled, req.AutoAnswerEnabled)
	setIf(&p.AutoAnswerDelaySeconds, req.AutoAnswerDelaySeconds)
	setIf(&p.SpeakerphoneAlwaysOn, req.SpeakerphoneAlwaysOn)
	setIf(&p.SpeakerVolume, req.SpeakerVolume)
	setIf(&p.MissedCallNagEnabled, req.MissedCallNagEnabled)
	setIf(&p.MissedCallNagInterval, req.MissedCallNagInterval)
	setIf(&p.NagSound, req.NagSound)
	setIf(&p.TTSEnabled, req.TTSEnabled)
	setIf(&p.TTSSpeed, req.TTSSpeed)
	setIf(&p.BatteryAnnouncementsEnabled, req.BatteryAnnouncementsEnabled)
	setIf(&p.EmergencyNumber, req.EmergencyNumber)
	setIf(&p.CarerAlertEmail, req.CarerAlertEmail)
	setIf(&p.CarerPushToken, req.CarerPushToken)
	setIf(&p.CarerPushPlatform, req.CarerPushPlatform)
	if pinHash != "" {
		p.CarerPINHash = pinHash
	}
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func toSettingsResponse(p policy.Snapshot) settingsResponse {
	return settingsResponse{Snapshot: p, HasPIN: p.CarerPINHash != ""}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSettingsResponse(s.policy.Snapshot()))
}

// handleUpdateSettings applies a partial policy update. A settings write
// failure still applies the policy in memory, so it is logged and the new
// policy returned.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateSettingsRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	var pinHash string
	if req.CarerPIN != nil {
		hash, err := database.HashPIN(*req.CarerPIN)
		if err != nil {
			s.logger.Error("update settings: failed to hash pin", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		pinHash = hash
	}

	snap, err := s.policy.Update(r.Context(), func(p *policy.Snapshot) {
		req.apply(p, pinHash)
	})
	switch {
	case errors.Is(err, telephony.ErrStorageFailure):
		s.logger.Warn("update settings: applied but not persisted", "error", err)
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toSettingsResponse(snap))
}

// handleListCallLog returns the call log, newest first, optionally
// filtered by ?type=.
func (s *Server) handleListCallLog(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	filter := database.CallLogListFilter{Limit: pg.Limit, Offset: pg.Offset}
	if t := r.URL.Query().Get("type"); t != "" {
		switch models.CallType(t) {
		case models.CallTypeIncoming, models.CallTypeOutgoing, models.CallTypeMissed, models.CallTypeRejected:
			filter.Type = models.CallType(t)
		default:
			writeError(w, http.StatusBadRequest, "type must be incoming, outgoing, missed or rejected")
			return
		}
	}

	entries, total, err := s.callLog.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list call log: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  toCallLogResponses(entries),
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}
