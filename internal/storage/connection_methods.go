package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nfclink-server/nfclink-server-pro/internal/models"
)

// ========== Connection Record Methods ==========

// CreateConnection creates a new connection record
func (s *PostgresStore) CreateConnection(ctx context.Context, conn *models.ConnectionRecord) error {
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = time.Now()
	}

	query := `
        INSERT INTO connections (
            id, session_id, device_id, connection_type, ip_address, port,
            bridge_serial, is_active, connected_at, disconnected_at, failovers, notes
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		conn.ID, conn.SessionID, conn.DeviceID, conn.ConnectionType,
		conn.IPAddress, conn.Port, conn.BridgeSerial, conn.IsActive,
		conn.ConnectedAt, conn.DisconnectedAt, conn.Failovers, conn.Notes,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

const connectionColumns = `
        id, session_id, device_id, connection_type, ip_address, port,
        bridge_serial, is_active, connected_at, disconnected_at, failovers, notes`

func scanConnection(row interface{ Scan(...interface{}) error }) (*models.ConnectionRecord, error) {
	conn := &models.ConnectionRecord{}
	err := row.Scan(
		&conn.ID, &conn.SessionID, &conn.DeviceID, &conn.ConnectionType,
		&conn.IPAddress, &conn.Port, &conn.BridgeSerial, &conn.IsActive,
		&conn.ConnectedAt, &conn.DisconnectedAt, &conn.Failovers, &conn.Notes,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// GetConnection gets a connection record by id
func (s *PostgresStore) GetConnection(ctx context.Context, id uuid.UUID) (*models.ConnectionRecord, error) {
	query := "SELECT" + connectionColumns + " FROM connections WHERE id = $1"
	return scanConnection(s.getDB().QueryRowContext(ctx, query, id))
}

// GetConnectionBySession gets the connection record for a session
func (s *PostgresStore) GetConnectionBySession(ctx context.Context, sessionID uuid.UUID) (*models.ConnectionRecord, error) {
	query := "SELECT" + connectionColumns + " FROM connections WHERE session_id = $1"
	return scanConnection(s.getDB().QueryRowContext(ctx, query, sessionID))
}

// UpdateConnection updates a connection record
func (s *PostgresStore) UpdateConnection(ctx context.Context, conn *models.ConnectionRecord) error {
	query := `
        UPDATE connections SET
            connection_type = $2, ip_address = $3, port = $4, bridge_serial = $5,
            is_active = $6, disconnected_at = $7, failovers = $8, notes = $9
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		conn.ID, conn.ConnectionType, conn.IPAddress, conn.Port,
		conn.BridgeSerial, conn.IsActive, conn.DisconnectedAt,
		conn.Failovers, conn.Notes,
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

// CloseConnection marks a session's connection record inactive
func (s *PostgresStore) CloseConnection(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	query := `
        UPDATE connections SET is_active = false, disconnected_at = $2
        WHERE session_id = $1 AND is_active = true`

	result, err := s.getDB().ExecContext(ctx, query, sessionID, at)
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

// IncrementFailovers bumps the failover counter and records the transport
// the session migrated onto
func (s *PostgresStore) IncrementFailovers(ctx context.Context, sessionID uuid.UUID, connType models.ConnectionType) error {
	query := `
        UPDATE connections SET failovers = failovers + 1, connection_type = $2
        WHERE session_id = $1 AND is_active = true`

	result, err := s.getDB().ExecContext(ctx, query, sessionID, connType)
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

// ListConnections lists connection records matching the filters
func (s *PostgresStore) ListConnections(ctx context.Context, filters ConnectionFilters, limit, offset int) ([]*models.ConnectionRecord, int64, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	argIdx := 1

	if filters.DeviceID != nil {
		where = append(where, fmt.Sprintf("device_id = $%d", argIdx))
		args = append(args, *filters.DeviceID)
		argIdx++
	}
	if filters.ConnectionType != nil {
		where = append(where, fmt.Sprintf("connection_type = $%d", argIdx))
		args = append(args, *filters.ConnectionType)
		argIdx++
	}
	if filters.ActiveOnly {
		where = append(where, "is_active = true")
	}
	if filters.StartTime != nil {
		where = append(where, fmt.Sprintf("connected_at >= $%d", argIdx))
		args = append(args, *filters.StartTime)
		argIdx++
	}
	if filters.EndTime != nil {
		where = append(where, fmt.Sprintf("connected_at <= $%d", argIdx))
		args = append(args, *filters.EndTime)
		argIdx++
	}

	whereClause := strings.Join(where, " AND ")

	var count int64
	countQuery := "SELECT COUNT(*) FROM connections WHERE " + whereClause
	if err := s.getDB().QueryRowContext(ctx, countQuery, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(
		"SELECT%s FROM connections WHERE %s ORDER BY connected_at DESC LIMIT $%d OFFSET $%d",
		connectionColumns, whereClause, argIdx, argIdx+1,
	)
	args = append(args, limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var conns []*models.ConnectionRecord
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, 0, err
		}
		conns = append(conns, conn)
	}

	return conns, count, nil
}
