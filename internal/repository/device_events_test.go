package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDeviceEventsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *DeviceEventsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewDeviceEventsRepository(db, logger)

	return db, mock, repo
}

func TestInsertDeviceEvent_Success(t *testing.T) {
	db, mock, repo := setupMockDeviceEventsDB(t)
	defer db.Close()

	event := &DeviceEvent{
		DeviceID:   "phone-01",
		EventType:  DeviceEventDisconnected,
		Reason:     "heartbeat_timeout",
		RemoteAddr: "10.0.0.2:51000",
	}

	mock.ExpectExec(`INSERT INTO device_events`).
		WithArgs(sqlmock.AnyArg(), "phone-01", DeviceEventDisconnected, "heartbeat_timeout", "10.0.0.2:51000", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.InsertDeviceEvent(context.Background(), event))

	// event_id and occurred_at are filled in when absent
	assert.NotEmpty(t, event.EventID)
	_, err := uuid.Parse(event.EventID)
	assert.NoError(t, err)
	assert.False(t, event.OccurredAt.IsZero())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDeviceEvent_Validation(t *testing.T) {
	db, _, repo := setupMockDeviceEventsDB(t)
	defer db.Close()

	err := repo.InsertDeviceEvent(context.Background(), &DeviceEvent{EventType: DeviceEventConnected})
	assert.Error(t, err)

	err = repo.InsertDeviceEvent(context.Background(), &DeviceEvent{DeviceID: "phone-01"})
	assert.Error(t, err)
}

func TestListDeviceEvents_ByDevice(t *testing.T) {
	db, mock, repo := setupMockDeviceEventsDB(t)
	defer db.Close()

	eventID := uuid.New().String()
	rows := sqlmock.NewRows([]string{
		"event_id", "device_id", "event_type", "reason", "remote_addr", "occurred_at",
	}).AddRow(eventID, "phone-01", DeviceEventConnected, nil, "10.0.0.2:51000", time.Now())

	mock.ExpectQuery(`SELECT`).
		WithArgs("phone-01", 20).
		WillReturnRows(rows)

	events, err := repo.ListDeviceEvents(context.Background(), "phone-01", 20)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventID, events[0].EventID)
	assert.Equal(t, DeviceEventConnected, events[0].EventType)
	assert.Empty(t, events[0].Reason)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDeviceEvents_AllDevices(t *testing.T) {
	db, mock, repo := setupMockDeviceEventsDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"event_id", "device_id", "event_type", "reason", "remote_addr", "occurred_at",
	}).
		AddRow(uuid.New().String(), "phone-01", DeviceEventConnected, nil, "", time.Now()).
		AddRow(uuid.New().String(), "phone-02", DeviceEventDisconnected, "connection_closed", "", time.Now())

	mock.ExpectQuery(`SELECT`).
		WithArgs(100).
		WillReturnRows(rows)

	events, err := repo.ListDeviceEvents(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	require.NoError(t, mock.ExpectationsWereMet())
}
