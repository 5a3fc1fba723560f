package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents an event log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	DeviceID  *string    `json:"deviceID,omitempty" db:"device_id"`
	SessionID *uuid.UUID `json:"sessionID,omitempty" db:"session_id"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Code        string     `json:"code" db:"code"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	// Session events
	EventTypeHandshake    EventType = "HANDSHAKE"
	EventTypeStateChange  EventType = "STATE_CHANGE"
	EventTypeFailover     EventType = "FAILOVER"
	EventTypeDisconnect   EventType = "DISCONNECT"
	EventTypeSessionError EventType = "ERROR"

	// Message events
	EventTypeDataRX         EventType = "DATA_RX"
	EventTypeAck            EventType = "ACK"
	EventTypeDeliveryFailed EventType = "DELIVERY_FAILED"

	// Channel events
	EventTypeChannelUp       EventType = "CHANNEL_UP"
	EventTypeChannelDegraded EventType = "CHANNEL_DEGRADED"
	EventTypeChannelDown     EventType = "CHANNEL_DOWN"
	EventTypeBreakerOpen     EventType = "BREAKER_OPEN"

	// System events
	EventTypeAPICall     EventType = "API_CALL"
	EventTypeIntegration EventType = "INTEGRATION"
	EventTypeRateLimited EventType = "RATE_LIMITED"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
	EventLevelFatal   EventLevel = "FATAL"
)
