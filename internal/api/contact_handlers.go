package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carephone/carephone/internal/database/models"
)

// contactRequest is the JSON request body for creating/updating a contact.
type contactRequest struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	ContactType string `json:"contact_type"`
	Priority    *int   `json:"priority"`
	IsPrimary   *bool  `json:"is_primary"`
	AutoAnswer  *bool  `json:"auto_answer"`
}

// contactResponse is the JSON response for a single contact.
type contactResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	ContactType string `json:"contact_type"`
	Priority    int    `json:"priority"`
	IsPrimary   bool   `json:"is_primary"`
	AutoAnswer  bool   `json:"auto_answer"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func toContactResponse(c *models.Contact) contactResponse {
	return contactResponse{
		ID:          c.ID,
		Name:        c.Name,
		PhoneNumber: c.PhoneNumber,
		ContactType: string(c.ContactType),
		Priority:    c.Priority,
		IsPrimary:   c.IsPrimary,
		AutoAnswer:  c.AutoAnswer,
		CreatedAt:   c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   c.UpdatedAt.Format(time.RFC3339),
	}
}

func validateContactRequest(req contactRequest) string {
	if msg := validateRequiredStringLen("name", req.Name, maxNameLen); msg != "" {
		return msg
	}
	if msg := validatePhoneNumber("phone_number", req.PhoneNumber); msg != "" {
		return msg
	}
	if req.ContactType != "" && !models.ContactType(req.ContactType).Valid() {
		return "contact_type must be carer or grey_list"
	}
	return validateIntRange("priority", req.Priority, 0, 100)
}

// apply copies the request onto c. Unset optional fields keep their value.
func (req contactRequest) apply(c *models.Contact) {
	c.Name = req.Name
	c.PhoneNumber = req.PhoneNumber
	if req.ContactType != "" {
		c.ContactType = models.ContactType(req.ContactType)
	}
	if req.Priority != nil {
		c.Priority = *req.Priority
	}
	if req.IsPrimary != nil {
		c.IsPrimary = *req.IsPrimary
	}
	if req.AutoAnswer != nil {
		c.AutoAnswer = *req.AutoAnswer
	}
}

// handleListContacts returns every contact, primary and high priority first.
func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.contacts.List(r.Context())
	if err != nil {
		s.logger.Error("list contacts: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]contactResponse, len(contacts))
	for i := range contacts {
		out[i] = toContactResponse(&contacts[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateContactRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	c := &models.Contact{ContactType: models.ContactTypeGreyList}
	req.apply(c)

	if err := s.contacts.Create(r.Context(), c); err != nil {
		s.logger.Error("create contact: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("contact created", "contact_id", c.ID, "contact_type", c.ContactType)
	writeJSON(w, http.StatusCreated, toContactResponse(c))
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	c, ok := s.contactFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toContactResponse(c))
}

func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	c, ok := s.contactFromPath(w, r)
	if !ok {
		return
	}

	var req contactRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateContactRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.apply(c)

	if err := s.contacts.Update(r.Context(), c); err != nil {
		s.logger.Error("update contact: failed to update", "error", err, "contact_id", c.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	updated, err := s.contacts.GetByID(r.Context(), c.ID)
	if err != nil || updated == nil {
		s.logger.Error("update contact: failed to re-fetch", "error", err, "contact_id", c.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toContactResponse(updated))
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	c, ok := s.contactFromPath(w, r)
	if !ok {
		return
	}
	if err := s.contacts.Delete(r.Context(), c.ID); err != nil {
		s.logger.Error("delete contact: failed to delete", "error", err, "contact_id", c.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("contact deleted", "contact_id", c.ID)
	w.WriteHeader(http.StatusNoContent)
}

// contactFromPath loads the contact named by the {id} parameter, writing
// the error response itself when it cannot.
func (s *Server) contactFromPath(w http.ResponseWriter, r *http.Request) (*models.Contact, bool) {
	id, ok := parseID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid contact id")
		return nil, false
	}

	c, err := s.contacts.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("get contact: failed to query", "error", err, "contact_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "contact not found")
		return nil, false
	}
	return c, true
}
