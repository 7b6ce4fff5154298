package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// DBLogger writes audit events to the audit_events table
type DBLogger struct {
	db *sql.DB
}

var _ Logger = (*DBLogger)(nil)

// NewDBLogger creates a new database-based audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

func nullUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

// Log logs an audit event to the database
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	var metadataJSON []byte
	if len(event.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	query := `
		INSERT INTO audit_events (
			id, timestamp, event_type, status,
			user_id, token_id,
			resource_type, resource_id, action,
			ip_address, user_agent, request_id,
			message, error_message, metadata
		) VALUES (
			$1, $2, $3, $4,
			$5, $6,
			$7, $8, $9,
			$10, $11, $12,
			$13, $14, $15
		)
	`

	_, err := l.db.ExecContext(ctx, query,
		event.ID, event.Timestamp, event.EventType, event.Status,
		nullUUID(event.UserID), nullUUID(event.TokenID),
		event.ResourceType, event.ResourceID, event.Action,
		event.IPAddress, event.UserAgent, event.RequestID,
		event.Message, event.ErrorMessage, metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

// LogAuthorization logs an authorization event
func (l *DBLogger) LogAuthorization(ctx context.Context, userID uuid.UUID, resourceType ResourceType, resourceID, action string, allowed bool, reason string) error {
	return l.Log(ctx, authorizationEvent(ctx, userID, resourceType, resourceID, action, allowed, reason))
}

// LogToken logs a token lifecycle event
func (l *DBLogger) LogToken(ctx context.Context, eventType EventType, userID, tokenID uuid.UUID, status EventStatus, message string) error {
	return l.Log(ctx, tokenEvent(ctx, eventType, userID, tokenID, status, message))
}

// Close is a no-op; the database handle is owned by the caller
func (l *DBLogger) Close() error {
	return nil
}
