package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/session"
)

// SessionRecord recording_sessions 表记录
type SessionRecord struct {
	SessionID       string                          `db:"session_id"`
	StartTime       time.Time                       `db:"start_time"`
	EndTime         *time.Time                      `db:"end_time"`
	DataSampleCount int64                           `db:"data_sample_count"`
	Devices         []string                        `db:"devices"`
	Files           map[string][]session.FileRecord `db:"files"`
}

// SessionsRepository 录制会话持久化仓库
type SessionsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSessionsRepository 创建会话仓库
func NewSessionsRepository(db *sql.DB, logger *zap.Logger) *SessionsRepository {
	return &SessionsRepository{
		db:     db,
		logger: logger,
	}
}

// InsertSession 会话启动时写入初始记录
func (r *SessionsRepository) InsertSession(ctx context.Context, info *session.SessionInfo) error {
	if info.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	devicesJSON, err := json.Marshal(info.Devices)
	if err != nil {
		return fmt.Errorf("failed to marshal devices: %w", err)
	}
	optionsJSON, err := json.Marshal(info.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	query := `
		INSERT INTO recording_sessions (session_id, start_time, options, devices, data_sample_count)
		VALUES ($1, $2, $3, $4, 0)
	`
	if _, err := r.db.ExecContext(ctx, query, info.SessionID, info.StartTime, optionsJSON, devicesJSON); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	r.logger.Debug("Session record inserted",
		zap.String("session_id", info.SessionID),
	)
	return nil
}

// CompleteSession 会话结束时补全结束时间与聚合统计
func (r *SessionsRepository) CompleteSession(ctx context.Context, info *session.SessionInfo) error {
	if info.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if info.EndTime == nil {
		return fmt.Errorf("end_time is required for a completed session")
	}

	devicesJSON, err := json.Marshal(info.Devices)
	if err != nil {
		return fmt.Errorf("failed to marshal devices: %w", err)
	}
	filesJSON, err := json.Marshal(info.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal files: %w", err)
	}

	query := `
		UPDATE recording_sessions
		SET end_time = $2,
		    data_sample_count = $3,
		    devices = $4,
		    files = $5
		WHERE session_id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		info.SessionID, *info.EndTime, info.DataSampleCount, devicesJSON, filesJSON)
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		// 启动时插入失败（如 DB 短暂不可用）则此处补插完整记录
		insertQuery := `
			INSERT INTO recording_sessions (session_id, start_time, end_time, options, devices, files, data_sample_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
		optionsJSON, mErr := json.Marshal(info.Options)
		if mErr != nil {
			return fmt.Errorf("failed to marshal options: %w", mErr)
		}
		if _, err := r.db.ExecContext(ctx, insertQuery,
			info.SessionID, info.StartTime, *info.EndTime, optionsJSON, devicesJSON, filesJSON, info.DataSampleCount); err != nil {
			return fmt.Errorf("failed to insert completed session: %w", err)
		}
	}

	r.logger.Debug("Session record completed",
		zap.String("session_id", info.SessionID),
		zap.Int64("data_sample_count", info.DataSampleCount),
	)
	return nil
}

// GetSession 按会话ID查询
func (r *SessionsRepository) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	query := `
		SELECT session_id, start_time, end_time, data_sample_count, devices, files
		FROM recording_sessions
		WHERE session_id = $1
	`

	record, err := scanSession(r.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return record, nil
}

// ListSessions 按开始时间倒序查询最近会话
func (r *SessionsRepository) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT session_id, start_time, end_time, data_sample_count, devices, files
		FROM recording_sessions
		ORDER BY start_time DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return records, nil
}

// rowScanner sql.Row 与 sql.Rows 的公共 Scan 接口
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var record SessionRecord
	var endTime sql.NullTime
	var devicesJSON, filesJSON []byte

	if err := row.Scan(
		&record.SessionID,
		&record.StartTime,
		&endTime,
		&record.DataSampleCount,
		&devicesJSON,
		&filesJSON,
	); err != nil {
		return nil, err
	}

	if endTime.Valid {
		record.EndTime = &endTime.Time
	}
	if len(devicesJSON) > 0 {
		if err := json.Unmarshal(devicesJSON, &record.Devices); err != nil {
			return nil, fmt.Errorf("failed to unmarshal devices: %w", err)
		}
	}
	if len(filesJSON) > 0 {
		if err := json.Unmarshal(filesJSON, &record.Files); err != nil {
			return nil, fmt.Errorf("failed to unmarshal files: %w", err)
		}
	}
	return &record, nil
}
