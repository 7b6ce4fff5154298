package audit

import (
	"context"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/contextkeys"
)

// Logger is the interface for audit logging. Implementations are best-effort:
// callers log failures and never change a decision because of them.
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// LogAuthorization logs the outcome of a permission check
	LogAuthorization(ctx context.Context, userID uuid.UUID, resourceType ResourceType, resourceID, action string, allowed bool, reason string) error

	// LogToken logs a token lifecycle event
	LogToken(ctx context.Context, eventType EventType, userID, tokenID uuid.UUID, status EventStatus, message string) error

	// Close closes the logger and flushes any buffered events
	Close() error
}

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, contextkeys.AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextkeys.AuditLoggerKey).(Logger); ok {
		return logger
	}
	return NoOp{}
}

// NoOp discards every event
type NoOp struct{}

var _ Logger = NoOp{}

func (NoOp) Log(context.Context, *Event) error { return nil }

func (NoOp) LogAuthorization(context.Context, uuid.UUID, ResourceType, string, string, bool, string) error {
	return nil
}

func (NoOp) LogToken(context.Context, EventType, uuid.UUID, uuid.UUID, EventStatus, string) error {
	return nil
}

func (NoOp) Close() error { return nil }

// stamp fills request-scoped fields from the context
func stamp(ctx context.Context, event *Event) *Event {
	if event.RequestID == "" {
		event.RequestID = contextkeys.GetRequestID(ctx)
	}
	return event
}

func authorizationEvent(ctx context.Context, userID uuid.UUID, resourceType ResourceType, resourceID, action string, allowed bool, reason string) *Event {
	eventType, status := EventTypeAuthzAllowed, EventStatusSuccess
	if !allowed {
		eventType, status = EventTypeAuthzDenied, EventStatusDenied
	}
	event := NewEvent(eventType, status).WithUser(userID)
	event.ResourceType = resourceType
	event.ResourceID = resourceID
	event.Action = action
	event.Message = reason
	return stamp(ctx, event)
}

func tokenEvent(ctx context.Context, eventType EventType, userID, tokenID uuid.UUID, status EventStatus, message string) *Event {
	event := NewEvent(eventType, status).WithUser(userID).WithToken(tokenID)
	event.ResourceType = ResourceTypeToken
	if tokenID != uuid.Nil {
		event.ResourceID = tokenID.String()
	}
	event.Message = message
	return stamp(ctx, event)
}
