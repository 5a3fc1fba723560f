package models

import (
	"time"
)

// ConnectionType identifies the physical medium a device used to connect
type ConnectionType string

const (
	ConnectionTypeCable   ConnectionType = "cable"
	ConnectionTypeNetwork ConnectionType = "network"
)

// Device represents a registered scanning device
type Device struct {
	BaseModel

	// DeviceID is the stable external identifier the device presents in its
	// handshake (not the row id)
	DeviceID string `json:"deviceID" db:"device_id"`

	Name        string `json:"name" db:"name"`
	Description string `json:"description" db:"description"`

	// SecretHash is the bcrypt hash of the device secret
	SecretHash string `json:"-" db:"secret_hash"`

	IsDisabled bool `json:"isDisabled" db:"is_disabled"`

	LastConnectionType *ConnectionType `json:"lastConnectionType,omitempty" db:"last_connection_type"`
	FirstSeenAt        *time.Time      `json:"firstSeenAt,omitempty" db:"first_seen_at"`
	LastSeenAt         *time.Time      `json:"lastSeenAt,omitempty" db:"last_seen_at"`
}
