package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/carephone/carephone/internal/api/middleware"
	"github.com/carephone/carephone/internal/database"
	"github.com/carephone/carephone/internal/policy"
	"github.com/carephone/carephone/internal/telephony"
)

type loginRequest struct {
	PIN string `json:"pin"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	// PINSet is true when this login set the carer PIN for the first time.
	PINSet bool `json:"pin_set,omitempty"`
}

// handleLogin exchanges the carer PIN for a bearer token. On a fresh phone
// no PIN is stored yet; the first PIN presented becomes the carer PIN.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validatePIN("pin", req.PIN); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	var pinSet bool
	if stored := s.policy.Snapshot().CarerPINHash; stored == "" {
		hash, err := database.HashPIN(req.PIN)
		if err != nil {
			s.logger.Error("login: failed to hash pin", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		_, err = s.policy.Update(r.Context(), func(p *policy.Snapshot) {
			if p.CarerPINHash == "" {
				p.CarerPINHash = hash
			}
		})
		if err != nil && !errors.Is(err, telephony.ErrStorageFailure) {
			s.logger.Error("login: failed to store pin", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		// A concurrent first login may have won; check against what is stored now.
		if ok, _ := database.CheckPIN(req.PIN, s.policy.Snapshot().CarerPINHash); !ok {
			writeError(w, http.StatusUnauthorized, "invalid pin")
			return
		}
		pinSet = true
		s.logger.Info("carer pin set on first login")
	} else {
		ok, err := database.CheckPIN(req.PIN, stored)
		if err != nil {
			s.logger.Error("login: stored pin hash unreadable", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			s.logger.Warn("login: wrong pin", "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid pin")
			return
		}
	}

	loginID := uuid.NewString()
	token, expiresAt, err := middleware.GenerateCarerToken(s.jwtSecret, loginID)
	if err != nil {
		s.logger.Error("login: failed to sign token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("carer logged in", "login_id", loginID)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
		PINSet:    pinSet,
	})
}
