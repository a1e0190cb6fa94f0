package domain

import (
	"time"
)

// EventType discriminates the payload carried by an Event.
type EventType string

const (
	EventTypeTransaction EventType = "transaction"
	EventTypeLogin       EventType = "login"
	EventTypeSession     EventType = "session"
)

// Event represents an incoming behavioral signal to be scored.
// It is transient: consumed once by the pipeline and kept only in the
// audit log. Exactly one payload field is set, matching Type.
type Event struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// EntityID is the user/account the event belongs to.
	EntityID string    `json:"entityId"`
	Type     EventType `json:"type"`

	// Context
	DeviceID  string `json:"deviceId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	Location  string `json:"location,omitempty"` // ISO country or city code

	// Temporal
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"receivedAt"`

	// Tagged payload variants - exactly one is non-nil.
	Transaction *TransactionPayload `json:"transaction,omitempty"`
	Login       *LoginPayload       `json:"login,omitempty"`
	Session     *SessionPayload     `json:"session,omitempty"`
}

// TransactionPayload carries transaction-specific fields.
type TransactionPayload struct {
	TransactionID  string  `json:"transactionId"`
	CounterpartyID string  `json:"counterpartyId"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency"`
	Channel        string  `json:"channel,omitempty"` // "transfer", "payment", "withdrawal"
}

// LoginPayload carries login-specific fields.
type LoginPayload struct {
	Method     string `json:"method"` // "password", "otp", "biometric"
	Successful bool   `json:"successful"`
	UserAgent  string `json:"userAgent,omitempty"`
}

// SessionPayload carries session-specific fields.
type SessionPayload struct {
	SessionID   string  `json:"sessionId"`
	DurationSec int64   `json:"durationSec"`
	ActionCount int     `json:"actionCount"`
	PagesPerMin float64 `json:"pagesPerMin,omitempty"`
}

// Payload returns the active payload variant, or nil if none is set.
func (e *Event) Payload() any {
	switch e.Type {
	case EventTypeTransaction:
		if e.Transaction != nil {
			return e.Transaction
		}
	case EventTypeLogin:
		if e.Login != nil {
			return e.Login
		}
	case EventTypeSession:
		if e.Session != nil {
			return e.Session
		}
	}
	return nil
}

// Validate checks that the event is well-formed: required identifiers
// present and the payload variant matches the declared type.
func (e *Event) Validate() error {
	if e.EntityID == "" {
		return ErrInvalidInput
	}
	switch e.Type {
	case EventTypeTransaction:
		if e.Transaction == nil || e.Transaction.Amount <= 0 {
			return ErrInvalidInput
		}
	case EventTypeLogin:
		if e.Login == nil {
			return ErrInvalidInput
		}
	case EventTypeSession:
		if e.Session == nil {
			return ErrInvalidInput
		}
	default:
		return ErrInvalidInput
	}
	return nil
}

// EventRequest is the API request payload for event ingestion.
type EventRequest struct {
	EventID   string     `json:"eventId,omitempty"` // client-supplied for redelivery dedupe
	EntityID  string     `json:"entityId"`
	Type      EventType  `json:"type"`
	DeviceID  string     `json:"deviceId,omitempty"`
	IPAddress string     `json:"ipAddress,omitempty"`
	Location  string     `json:"location,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`

	Transaction *TransactionPayload `json:"transaction,omitempty"`
	Login       *LoginPayload       `json:"login,omitempty"`
	Session     *SessionPayload     `json:"session,omitempty"`
}

// ToEvent converts a request to an Event domain object.
func (r *EventRequest) ToEvent(tenantID string) *Event {
	now := time.Now().UTC()
	ts := now
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}
	return &Event{
		ID:          r.EventID,
		TenantID:    tenantID,
		EntityID:    r.EntityID,
		Type:        r.Type,
		DeviceID:    r.DeviceID,
		IPAddress:   r.IPAddress,
		Location:    r.Location,
		Timestamp:   ts,
		ReceivedAt:  now,
		Transaction: r.Transaction,
		Login:       r.Login,
		Session:     r.Session,
	}
}
