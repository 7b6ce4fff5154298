package audit

import (
	"context"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// LogSink writes audit events as structured log lines
type LogSink struct {
	logger *observability.Logger
}

var _ Logger = (*LogSink)(nil)

// NewLogSink creates a sink on top of logger
func NewLogSink(logger *observability.Logger) *LogSink {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogSink{logger: logger}
}

// Log writes the event at info level, or warn for failures and denials
func (s *LogSink) Log(ctx context.Context, event *Event) error {
	entry := s.logger.WithFields(map[string]interface{}{
		"audit_id":   event.ID.String(),
		"event_type": string(event.EventType),
		"status":     string(event.Status),
	})
	if event.UserID != nil {
		entry = entry.WithField("user_id", event.UserID.String())
	}
	if event.TokenID != nil {
		entry = entry.WithField("token_id", event.TokenID.String())
	}
	if event.ResourceType != "" {
		entry = entry.WithFields(map[string]interface{}{
			"resource_type": string(event.ResourceType),
			"resource_id":   event.ResourceID,
		})
	}
	if event.Action != "" {
		entry = entry.WithField("action", event.Action)
	}
	if event.RequestID != "" {
		entry = entry.WithField("request_id", event.RequestID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.WithFields(event.Metadata)
	}

	message := event.Message
	if message == "" {
		message = string(event.EventType)
	}
	if event.Status == EventStatusSuccess {
		entry.Info(message)
	} else {
		entry.Warn(message)
	}
	return nil
}

// LogAuthorization logs an authorization event
func (s *LogSink) LogAuthorization(ctx context.Context, userID uuid.UUID, resourceType ResourceType, resourceID, action string, allowed bool, reason string) error {
	return s.Log(ctx, authorizationEvent(ctx, userID, resourceType, resourceID, action, allowed, reason))
}

// LogToken logs a token lifecycle event
func (s *LogSink) LogToken(ctx context.Context, eventType EventType, userID, tokenID uuid.UUID, status EventStatus, message string) error {
	return s.Log(ctx, tokenEvent(ctx, eventType, userID, tokenID, status, message))
}

func (s *LogSink) Close() error {
	return nil
}
