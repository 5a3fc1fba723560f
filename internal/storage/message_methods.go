package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nfclink-server/nfclink-server-pro/internal/models"
)

// ========== Delivered Message Methods ==========

// CreateDeliveredMessage stores one acknowledged payload. Duplicate
// (session, sequence) pairs are ignored so re-sent frames stay idempotent.
func (s *PostgresStore) CreateDeliveredMessage(ctx context.Context, msg *models.DeliveredMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	query := `
        INSERT INTO delivered_messages (
            id, session_id, device_id, sequence, transport, payload, received_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7
        )
        ON CONFLICT (session_id, sequence) DO NOTHING`

	_, err := s.getDB().ExecContext(ctx, query,
		msg.ID, msg.SessionID, msg.DeviceID, msg.Sequence,
		msg.Transport, msg.Payload, msg.ReceivedAt,
	)

	return err
}

// ListDeliveredMessages lists stored payloads for a device, newest first
func (s *PostgresStore) ListDeliveredMessages(ctx context.Context, deviceID string, limit, offset int) ([]*models.DeliveredMessage, int64, error) {
	var count int64
	err := s.getDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM delivered_messages WHERE device_id = $1", deviceID,
	).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query := `
        SELECT id, session_id, device_id, sequence, transport, payload, received_at
        FROM delivered_messages
        WHERE device_id = $1
        ORDER BY received_at DESC
        LIMIT $2 OFFSET $3`

	rows, err := s.getDB().QueryContext(ctx, query, deviceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var msgs []*models.DeliveredMessage
	for rows.Next() {
		msg := &models.DeliveredMessage{}
		err := rows.Scan(
			&msg.ID, &msg.SessionID, &msg.DeviceID, &msg.Sequence,
			&msg.Transport, &msg.Payload, &msg.ReceivedAt,
		)
		if err != nil {
			return nil, 0, err
		}
		msgs = append(msgs, msg)
	}

	return msgs, count, nil
}
