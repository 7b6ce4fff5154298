package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// MultiLogger logs to multiple audit loggers. Every logger receives the
// event even when an earlier one fails.
type MultiLogger struct {
	loggers []Logger
}

var _ Logger = (*MultiLogger)(nil)

// NewMultiLogger creates a new multi-logger that writes to multiple destinations
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log logs an audit event to all configured loggers and returns the first error
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Log(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogAuthorization logs an authorization event
func (m *MultiLogger) LogAuthorization(ctx context.Context, userID uuid.UUID, resourceType ResourceType, resourceID, action string, allowed bool, reason string) error {
	return m.Log(ctx, authorizationEvent(ctx, userID, resourceType, resourceID, action, allowed, reason))
}

// LogToken logs a token lifecycle event
func (m *MultiLogger) LogToken(ctx context.Context, eventType EventType, userID, tokenID uuid.UUID, status EventStatus, message string) error {
	return m.Log(ctx, tokenEvent(ctx, eventType, userID, tokenID, status, message))
}

// Close closes all loggers
func (m *MultiLogger) Close() error {
	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close logger: %w", err)
		}
	}
	return firstErr
}
