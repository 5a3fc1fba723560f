package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nfclink-server/nfclink-server-pro/internal/models"
)

// ========== Device Methods ==========

// CreateDevice creates a new device
func (s *PostgresStore) CreateDevice(ctx context.Context, device *models.Device) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}

	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	query := `
        INSERT INTO devices (
            id, created_at, updated_at, device_id, name, description,
            secret_hash, is_disabled, last_connection_type, first_seen_at, last_seen_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.CreatedAt, device.UpdatedAt, device.DeviceID,
		device.Name, device.Description, device.SecretHash, device.IsDisabled,
		device.LastConnectionType, device.FirstSeenAt, device.LastSeenAt,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

const deviceColumns = `
        id, created_at, updated_at, device_id, name, description,
        secret_hash, is_disabled, last_connection_type, first_seen_at, last_seen_at`

func scanDevice(row interface{ Scan(...interface{}) error }) (*models.Device, error) {
	device := &models.Device{}
	err := row.Scan(
		&device.ID, &device.CreatedAt, &device.UpdatedAt, &device.DeviceID,
		&device.Name, &device.Description, &device.SecretHash, &device.IsDisabled,
		&device.LastConnectionType, &device.FirstSeenAt, &device.LastSeenAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}

// GetDevice gets a device by row id
func (s *PostgresStore) GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := "SELECT" + deviceColumns + " FROM devices WHERE id = $1"
	return scanDevice(s.getDB().QueryRowContext(ctx, query, id))
}

// GetDeviceByDeviceID gets a device by the identifier it presents in handshakes
func (s *PostgresStore) GetDeviceByDeviceID(ctx context.Context, deviceID string) (*models.Device, error) {
	query := "SELECT" + deviceColumns + " FROM devices WHERE device_id = $1"
	return scanDevice(s.getDB().QueryRowContext(ctx, query, deviceID))
}

// UpdateDevice updates a device
func (s *PostgresStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	device.UpdatedAt = time.Now()

	query := `
        UPDATE devices SET
            updated_at = $2, name = $3, description = $4, secret_hash = $5,
            is_disabled = $6, last_connection_type = $7, first_seen_at = $8, last_seen_at = $9
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.UpdatedAt, device.Name, device.Description,
		device.SecretHash, device.IsDisabled, device.LastConnectionType,
		device.FirstSeenAt, device.LastSeenAt,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteDevice deletes a device
func (s *PostgresStore) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM devices WHERE id = $1", id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListDevices lists devices
func (s *PostgresStore) ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error) {
	var count int64
	err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM devices").Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query := "SELECT" + deviceColumns + `
        FROM devices
        ORDER BY created_at DESC
        LIMIT $1 OFFSET $2`

	rows, err := s.getDB().QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, 0, err
		}
		devices = append(devices, device)
	}

	return devices, count, nil
}

// TouchDeviceSeen records a successful handshake: first_seen_at is only set
// once, last_seen_at and the transport move on every call
func (s *PostgresStore) TouchDeviceSeen(ctx context.Context, deviceID string, connType models.ConnectionType, at time.Time) error {
	query := `
        UPDATE devices SET
            updated_at = $2,
            last_connection_type = $3,
            first_seen_at = COALESCE(first_seen_at, $4),
            last_seen_at = $4
        WHERE device_id = $1`

	result, err := s.getDB().ExecContext(ctx, query, deviceID, time.Now(), connType, at)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
