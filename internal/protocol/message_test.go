package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()
	data, err := EncodeMessage(m)
	require.NoError(t, err)
	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	return decoded
}

// ============================================
// Round-trip tests: decode(encode(m)) == m
// ============================================

func TestRoundTrip_Hello(t *testing.T) {
	m := NewHello("phone-01", []string{"camera", "thermal", "gsr"})
	decoded := roundTrip(t, m)

	assert.Equal(t, TypeHello, decoded.Type)
	assert.Equal(t, "phone-01", decoded.DeviceID)
	assert.Equal(t, []string{"camera", "thermal", "gsr"}, decoded.Capabilities)
	assert.Equal(t, m.Timestamp, decoded.Timestamp)
}

func TestRoundTrip_Status(t *testing.T) {
	battery := 87.5
	temperature := 36.2
	m := NewStatus(&battery, nil, &temperature, true, true)
	decoded := roundTrip(t, m)

	require.NotNil(t, decoded.Battery)
	assert.Equal(t, 87.5, *decoded.Battery)
	assert.Nil(t, decoded.Storage)
	require.NotNil(t, decoded.Temperature)
	assert.Equal(t, 36.2, *decoded.Temperature)
	assert.True(t, decoded.Recording)
	assert.True(t, decoded.Connected)
}

func TestRoundTrip_SensorData(t *testing.T) {
	m := NewSensorData(map[string]float64{"gsr": 0.42, "ppg": 1.5})
	decoded := roundTrip(t, m)

	assert.Equal(t, TypeSensorData, decoded.Type)
	assert.Equal(t, map[string]float64{"gsr": 0.42, "ppg": 1.5}, decoded.Values)
}

func TestRoundTrip_Ack(t *testing.T) {
	m := NewAck("start_record", "error", "storage full")
	decoded := roundTrip(t, m)

	assert.Equal(t, "start_record", decoded.Cmd)
	assert.Equal(t, "error", decoded.Status)
	assert.Equal(t, "storage full", decoded.Info)
}

func TestRoundTrip_FileMessages(t *testing.T) {
	info := roundTrip(t, NewFileInfo("gsr_log.csv", 4096))
	assert.Equal(t, "gsr_log.csv", info.Name)
	assert.Equal(t, int64(4096), info.Size)

	chunk := roundTrip(t, NewFileChunk(7, "aGVsbG8="))
	assert.Equal(t, 7, chunk.Seq)
	assert.Equal(t, "aGVsbG8=", chunk.Data)

	end := roundTrip(t, NewFileEnd("gsr_log.csv"))
	assert.Equal(t, "gsr_log.csv", end.Name)
}

func TestRoundTrip_Commands(t *testing.T) {
	start := roundTrip(t, NewStartRecord("s1", true, false, true))
	assert.Equal(t, "s1", start.SessionID)
	assert.True(t, start.RecordVideo)
	assert.False(t, start.RecordThermal)
	assert.True(t, start.RecordShimmer)

	stop := roundTrip(t, NewStopRecord())
	assert.Equal(t, TypeStopRecord, stop.Type)

	flash := roundTrip(t, NewFlashSync(200, "sync-1"))
	assert.Equal(t, 200, flash.DurationMs)
	assert.Equal(t, "sync-1", flash.SyncID)

	beep := roundTrip(t, NewBeepSync(1000, 150, 0.8, ""))
	assert.Equal(t, 1000.0, beep.FrequencyHz)
	assert.Equal(t, 150, beep.DurationMs)
	assert.Equal(t, 0.8, beep.Volume)
	assert.Empty(t, beep.SyncID)
}

// ============================================
// Timestamp and unknown-type handling
// ============================================

func TestDecode_FillsMissingTimestamp(t *testing.T) {
	decoded, err := DecodeMessage([]byte(`{"type":"stop_record"}`))
	require.NoError(t, err)
	assert.Greater(t, decoded.Timestamp, 0.0)
}

func TestEncode_FillsMissingTimestamp(t *testing.T) {
	data, err := EncodeMessage(&Message{Type: TypeStopRecord})
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Greater(t, decoded.Timestamp, 0.0)
}

func TestDecode_UnknownTypePreservesKeys(t *testing.T) {
	decoded, err := DecodeMessage([]byte(`{"type":"custom_x","foo":1,"bar":"baz"}`))
	require.NoError(t, err)

	assert.Equal(t, "custom_x", decoded.Type)
	assert.Equal(t, float64(1), decoded.Extra["foo"])
	assert.Equal(t, "baz", decoded.Extra["bar"])

	// Re-encoding keeps the original keys
	reencoded := roundTrip(t, decoded)
	assert.Equal(t, "custom_x", reencoded.Type)
	assert.Equal(t, float64(1), reencoded.Extra["foo"])
	assert.Equal(t, "baz", reencoded.Extra["bar"])
}

func TestDecode_InvalidBody(t *testing.T) {
	_, err := DecodeMessage([]byte(`{not json`))
	assert.Error(t, err)

	_, err = DecodeMessage([]byte(`{"timestamp":1.0}`))
	assert.Error(t, err)
}

func TestEncode_MissingType(t *testing.T) {
	_, err := EncodeMessage(&Message{})
	assert.Error(t, err)
}
