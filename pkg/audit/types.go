package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of audit event
type EventType string

const (
	// Token lifecycle events
	EventTypeTokenIssued    EventType = "auth.token_issued"
	EventTypeTokenRotated   EventType = "auth.token_rotated"
	EventTypeTokenRevoked   EventType = "auth.token_revoked"
	EventTypeTokenReplay    EventType = "auth.token_replay_detected"
	EventTypeLoginRejected  EventType = "auth.login_rejected"

	// Authorization events
	EventTypeAuthzAllowed EventType = "authz.allowed"
	EventTypeAuthzDenied  EventType = "authz.denied"

	// Account events
	EventTypeTierChanged       EventType = "billing.tier_changed"
	EventTypeMembershipChanged EventType = "membership.changed"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of resource an event refers to
type ResourceType string

const (
	ResourceTypeToken        ResourceType = "token"
	ResourceTypeUser         ResourceType = "user"
	ResourceTypeTeam         ResourceType = "team"
	ResourceTypeOrganization ResourceType = "organization"
	ResourceTypePersonal     ResourceType = "personal"
	ResourceTypeSubscription ResourceType = "subscription"
)

// Event represents a single audit log entry
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor information
	UserID  *uuid.UUID `json:"user_id,omitempty"`
	TokenID *uuid.UUID `json:"token_id,omitempty"`

	// Resource information
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	Action       string       `json:"action,omitempty"`

	// Request context
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent creates an event stamped with a fresh id and the current time
func NewEvent(eventType EventType, status EventStatus) *Event {
	return &Event{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		Metadata:  make(map[string]interface{}),
	}
}

// WithUser sets the acting user
func (e *Event) WithUser(userID uuid.UUID) *Event {
	if userID != uuid.Nil {
		e.UserID = &userID
	}
	return e
}

// WithToken sets the token the event refers to
func (e *Event) WithToken(tokenID uuid.UUID) *Event {
	if tokenID != uuid.Nil {
		e.TokenID = &tokenID
	}
	return e
}

// WithMetadata adds a metadata entry
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// ToJSON converts the audit event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}
