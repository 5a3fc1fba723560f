package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nfclink-server/nfclink-server-pro/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Device methods
	CreateDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error)
	GetDeviceByDeviceID(ctx context.Context, deviceID string) (*models.Device, error)
	UpdateDevice(ctx context.Context, device *models.Device) error
	DeleteDevice(ctx context.Context, id uuid.UUID) error
	ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error)
	TouchDeviceSeen(ctx context.Context, deviceID string, connType models.ConnectionType, at time.Time) error

	// Connection record methods
	CreateConnection(ctx context.Context, conn *models.ConnectionRecord) error
	GetConnection(ctx context.Context, id uuid.UUID) (*models.ConnectionRecord, error)
	GetConnectionBySession(ctx context.Context, sessionID uuid.UUID) (*models.ConnectionRecord, error)
	UpdateConnection(ctx context.Context, conn *models.ConnectionRecord) error
	CloseConnection(ctx context.Context, sessionID uuid.UUID, at time.Time) error
	ListConnections(ctx context.Context, filters ConnectionFilters, limit, offset int) ([]*models.ConnectionRecord, int64, error)
	IncrementFailovers(ctx context.Context, sessionID uuid.UUID, connType models.ConnectionType) error

	// Delivered message methods
	CreateDeliveredMessage(ctx context.Context, msg *models.DeliveredMessage) error
	ListDeliveredMessages(ctx context.Context, deviceID string, limit, offset int) ([]*models.DeliveredMessage, int64, error)

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Close the store
	Close() error
}

// ConnectionFilters represents filters for connection records
type ConnectionFilters struct {
	DeviceID       *string
	ConnectionType *models.ConnectionType
	ActiveOnly     bool
	StartTime      *time.Time
	EndTime        *time.Time
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	DeviceID  *string
	SessionID *uuid.UUID
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}
