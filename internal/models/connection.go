package models

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionRecord represents one logical device session as seen by the
// server: created on a successful handshake, closed on disconnect or
// prolonged total failure
type ConnectionRecord struct {
	ID        uuid.UUID `json:"id" db:"id"`
	SessionID uuid.UUID `json:"sessionID" db:"session_id"`
	DeviceID  string    `json:"deviceID" db:"device_id"`

	ConnectionType ConnectionType `json:"connectionType" db:"connection_type"`

	// Network transport fields
	IPAddress *string `json:"ipAddress,omitempty" db:"ip_address"`
	Port      *int    `json:"port,omitempty" db:"port"`

	// Cable transport fields
	BridgeSerial *string `json:"bridgeSerial,omitempty" db:"bridge_serial"`

	IsActive       bool       `json:"isActive" db:"is_active"`
	ConnectedAt    time.Time  `json:"connectedAt" db:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty" db:"disconnected_at"`

	// Failovers counts transport migrations observed during the session
	Failovers int `json:"failovers" db:"failovers"`

	Notes string `json:"notes,omitempty" db:"notes"`
}

// DeliveredMessage represents one acknowledged DATA payload handed to storage
type DeliveredMessage struct {
	ID         uuid.UUID      `json:"id" db:"id"`
	SessionID  uuid.UUID      `json:"sessionID" db:"session_id"`
	DeviceID   string         `json:"deviceID" db:"device_id"`
	Sequence   uint64         `json:"sequence" db:"sequence"`
	Transport  ConnectionType `json:"transport" db:"transport"`
	Payload    []byte         `json:"payload" db:"payload"`
	ReceivedAt time.Time      `json:"receivedAt" db:"received_at"`
}
