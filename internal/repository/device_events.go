package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 设备事件类型
const (
	DeviceEventConnected    = "connected"
	DeviceEventDisconnected = "disconnected"
)

// DeviceEvent 设备上下线审计记录
type DeviceEvent struct {
	EventID    string    `db:"event_id"`
	DeviceID   string    `db:"device_id"`
	EventType  string    `db:"event_type"`
	Reason     string    `db:"reason"`
	RemoteAddr string    `db:"remote_addr"`
	OccurredAt time.Time `db:"occurred_at"`
}

// DeviceEventsRepository 设备事件审计仓库
type DeviceEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceEventsRepository 创建设备事件仓库
func NewDeviceEventsRepository(db *sql.DB, logger *zap.Logger) *DeviceEventsRepository {
	return &DeviceEventsRepository{
		db:     db,
		logger: logger,
	}
}

// InsertDeviceEvent 写入一条设备事件，event_id 缺省自动生成
func (r *DeviceEventsRepository) InsertDeviceEvent(ctx context.Context, event *DeviceEvent) error {
	if event.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if event.EventType == "" {
		return fmt.Errorf("event_type is required")
	}

	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	query := `
		INSERT INTO device_events (event_id, device_id, event_type, reason, remote_addr, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := r.db.ExecContext(ctx, query,
		event.EventID, event.DeviceID, event.EventType, event.Reason, event.RemoteAddr, event.OccurredAt); err != nil {
		return fmt.Errorf("failed to insert device event: %w", err)
	}

	return nil
}

// ListDeviceEvents 查询设备的最近事件，deviceID 为空时查询全部设备
func (r *DeviceEventsRepository) ListDeviceEvents(ctx context.Context, deviceID string, limit int) ([]DeviceEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if deviceID == "" {
		query := `
			SELECT event_id, device_id, event_type, reason, remote_addr, occurred_at
			FROM device_events
			ORDER BY occurred_at DESC
			LIMIT $1
		`
		rows, err = r.db.QueryContext(ctx, query, limit)
	} else {
		query := `
			SELECT event_id, device_id, event_type, reason, remote_addr, occurred_at
			FROM device_events
			WHERE device_id = $1
			ORDER BY occurred_at DESC
			LIMIT $2
		`
		rows, err = r.db.QueryContext(ctx, query, deviceID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list device events: %w", err)
	}
	defer rows.Close()

	var events []DeviceEvent
	for rows.Next() {
		var event DeviceEvent
		var reason, remoteAddr sql.NullString
		if err := rows.Scan(
			&event.EventID,
			&event.DeviceID,
			&event.EventType,
			&reason,
			&remoteAddr,
			&event.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan device event row: %w", err)
		}
		event.Reason = reason.String
		event.RemoteAddr = remoteAddr.String
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device event rows: %w", err)
	}
	return events, nil
}
