package models

import "time"

// Setting represents a key-value settings entry edited by the carer.
type Setting struct {
	ID        int64
	Key       string
	Value     string
	UpdatedAt time.Time
}

// ContactType classifies how much a contact is trusted.
type ContactType string

const (
	// ContactTypeCarer contacts are trusted: they may auto-answer, appear on
	// the call-out screen and start missed-call reminders.
	ContactTypeCarer ContactType = "carer"
	// ContactTypeGreyList contacts may call and be called but never nag.
	ContactTypeGreyList ContactType = "grey_list"
)

// Valid reports whether t is a known contact type.
func (t ContactType) Valid() bool {
	return t == ContactTypeCarer || t == ContactTypeGreyList
}

// Contact is a person the carer has entered into the phone.
type Contact struct {
	ID          int64
	Name        string
	PhoneNumber string
	ContactType ContactType
	Priority    int
	IsPrimary   bool
	AutoAnswer  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Trusted reports whether calls from this contact may auto-answer and
// start missed-call reminders.
func (c *Contact) Trusted() bool {
	return c != nil && c.ContactType == ContactTypeCarer
}

// CallType is the outcome recorded for a call log entry.
type CallType string

const (
	CallTypeIncoming CallType = "incoming"
	CallTypeOutgoing CallType = "outgoing"
	CallTypeMissed   CallType = "missed"
	CallTypeRejected CallType = "rejected"
)

// CallLogEntry is an immutable record of a finished or screened call. Only
// Read changes after insertion.
type CallLogEntry struct {
	ID          int64
	ContactID   *int64
	PhoneNumber string
	ContactName string
	Type        CallType
	Timestamp   time.Time
	Duration    int // seconds
	Read        bool
}
