package callsession

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/carephone/carephone/internal/contacts"
	"github.com/carephone/carephone/internal/database/models"
	"github.com/carephone/carephone/internal/telephony"
)

// CallSession is the published view of the current call. Subscribers
// receive copies; nil means the line is idle.
type CallSession struct {
	ID          string              `json:"id"`
	PhoneNumber string              `json:"phone_number"`
	ContactID   *int64              `json:"contact_id,omitempty"`
	ContactName string              `json:"contact_name,omitempty"`
	Direction   telephony.Direction `json:"direction"`
	State       telephony.State     `json:"state"`
	StartTime   time.Time           `json:"start_time"`
	ConnectedAt *time.Time          `json:"connected_at,omitempty"`
	SpeakerOn   bool                `json:"speaker_on"`
	Muted       bool                `json:"muted"`
}

// session is the Manager's private state for one call. Fields are guarded
// by Manager.mu except name, which the ringing loop reads.
type session struct {
	info    CallSession
	callID  string // line call ID, empty until the line reports it
	// dialing is set while PlaceCall waits on the line; only then may an
	// outgoing CallAdded supply callID.
	dialing bool
	contact *models.Contact
	live    bool

	name atomic.Pointer[string]

	// ctx is cancelled when the session is detached; pending lookups
	// and timers check it before touching the Manager.
	ctx        context.Context
	cancel     context.CancelFunc
	autoAnswer *time.Timer
	announced  bool
}

func (s *session) setContact(c *models.Contact) {
	s.contact = c
	if c == nil {
		return
	}
	id := c.ID
	s.info.ContactID = &id
	s.info.ContactName = contacts.DisplayName(c)
	name := s.info.ContactName
	s.name.Store(&name)
}

// callerName returns the contact name, or "" while unknown.
func (s *session) callerName() string {
	if p := s.name.Load(); p != nil {
		return *p
	}
	return ""
}

// spokenName is how the caller is referred to in announcements.
func (s *session) spokenName() string {
	if n := s.callerName(); n != "" {
		return n
	}
	return s.info.PhoneNumber
}

func (s *session) stopAutoAnswer() {
	if s.autoAnswer != nil {
		s.autoAnswer.Stop()
		s.autoAnswer = nil
	}
}

// detach cancels everything still pending for the session.
func (s *session) detach() {
	s.stopAutoAnswer()
	s.cancel()
}

func (s *session) snapshot() *CallSession {
	c := s.info
	return &c
}
