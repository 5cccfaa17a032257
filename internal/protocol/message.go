package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// 消息类型常量（与设备端 app 约定的 type 字段取值）
const (
	// 设备 → 控制端
	TypeHello      = "hello"
	TypeStatus     = "status"
	TypeSensorData = "sensor_data"
	TypeAck        = "ack"
	TypeFileInfo   = "file_info"
	TypeFileChunk  = "file_chunk"
	TypeFileEnd    = "file_end"

	// 控制端 → 设备
	TypeStartRecord = "start_record"
	TypeStopRecord  = "stop_record"
	TypeFlashSync   = "flash_sync"
	TypeBeepSync    = "beep_sync"
)

// Message 协议消息（tagged union，Type 字段区分具体变体）
// 未知类型的消息保留原始键值在 Extra 中，不会被丢弃
type Message struct {
	Type      string
	Timestamp float64 // Unix 秒（支持小数），构造/解码时缺省自动填充

	// hello
	DeviceID     string
	Capabilities []string

	// status（battery/storage/temperature 为可选字段）
	Battery     *float64
	Storage     *float64
	Temperature *float64
	Recording   bool
	Connected   bool

	// sensor_data
	Values map[string]float64

	// ack
	Cmd    string
	Status string
	Info   string // 对应 JSON 的 "message" 字段

	// file_info / file_chunk / file_end
	Name string
	Size int64
	Seq  int
	Data string // base64 编码的分片内容

	// start_record
	SessionID     string
	RecordVideo   bool
	RecordThermal bool
	RecordShimmer bool

	// flash_sync / beep_sync
	DurationMs  int
	FrequencyHz float64
	Volume      float64
	SyncID      string

	// 未知类型消息的原始键值（不含 type/timestamp）
	Extra map[string]any
}

// nowUnix 当前时间的 Unix 秒（浮点）
func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NewHello 设备注册消息
func NewHello(deviceID string, capabilities []string) *Message {
	return &Message{
		Type:         TypeHello,
		Timestamp:    nowUnix(),
		DeviceID:     deviceID,
		Capabilities: capabilities,
	}
}

// NewStatus 设备状态消息
func NewStatus(battery, storage, temperature *float64, recording, connected bool) *Message {
	return &Message{
		Type:        TypeStatus,
		Timestamp:   nowUnix(),
		Battery:     battery,
		Storage:     storage,
		Temperature: temperature,
		Recording:   recording,
		Connected:   connected,
	}
}

// NewSensorData 传感器数据消息（Shimmer GSR 等）
func NewSensorData(values map[string]float64) *Message {
	return &Message{
		Type:      TypeSensorData,
		Timestamp: nowUnix(),
		Values:    values,
	}
}

// NewAck 命令确认消息，status 为 "ok" 或 "error"
func NewAck(cmd, status, info string) *Message {
	return &Message{
		Type:      TypeAck,
		Timestamp: nowUnix(),
		Cmd:       cmd,
		Status:    status,
		Info:      info,
	}
}

// NewFileInfo 文件传输声明消息
func NewFileInfo(name string, size int64) *Message {
	return &Message{
		Type:      TypeFileInfo,
		Timestamp: nowUnix(),
		Name:      name,
		Size:      size,
	}
}

// NewFileChunk 文件分片消息（data 为 base64 编码）
func NewFileChunk(seq int, data string) *Message {
	return &Message{
		Type:      TypeFileChunk,
		Timestamp: nowUnix(),
		Seq:       seq,
		Data:      data,
	}
}

// NewFileEnd 文件传输结束消息
func NewFileEnd(name string) *Message {
	return &Message{
		Type:      TypeFileEnd,
		Timestamp: nowUnix(),
		Name:      name,
	}
}

// NewStartRecord 开始录制命令
func NewStartRecord(sessionID string, recordVideo, recordThermal, recordShimmer bool) *Message {
	return &Message{
		Type:          TypeStartRecord,
		Timestamp:     nowUnix(),
		SessionID:     sessionID,
		RecordVideo:   recordVideo,
		RecordThermal: recordThermal,
		RecordShimmer: recordShimmer,
	}
}

// NewStopRecord 停止录制命令
func NewStopRecord() *Message {
	return &Message{
		Type:      TypeStopRecord,
		Timestamp: nowUnix(),
	}
}

// NewFlashSync 闪光同步命令（多设备时间对齐用）
func NewFlashSync(durationMs int, syncID string) *Message {
	return &Message{
		Type:       TypeFlashSync,
		Timestamp:  nowUnix(),
		DurationMs: durationMs,
		SyncID:     syncID,
	}
}

// NewBeepSync 蜂鸣同步命令
func NewBeepSync(frequencyHz float64, durationMs int, volume float64, syncID string) *Message {
	return &Message{
		Type:        TypeBeepSync,
		Timestamp:   nowUnix(),
		FrequencyHz: frequencyHz,
		DurationMs:  durationMs,
		Volume:      volume,
		SyncID:      syncID,
	}
}

// NewGeneric 未知类型的透传消息
func NewGeneric(msgType string, extra map[string]any) *Message {
	return &Message{
		Type:      msgType,
		Timestamp: nowUnix(),
		Extra:     extra,
	}
}

// EncodeMessage 将消息序列化为 JSON 字节
// Timestamp 为零时在此填充
func EncodeMessage(m *Message) ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("message type is required")
	}

	ts := m.Timestamp
	if ts == 0 {
		ts = nowUnix()
	}

	body := map[string]any{
		"type":      m.Type,
		"timestamp": ts,
	}

	switch m.Type {
	case TypeHello:
		body["device_id"] = m.DeviceID
		caps := m.Capabilities
		if caps == nil {
			caps = []string{}
		}
		body["capabilities"] = caps
	case TypeStatus:
		if m.Battery != nil {
			body["battery"] = *m.Battery
		}
		if m.Storage != nil {
			body["storage"] = *m.Storage
		}
		if m.Temperature != nil {
			body["temperature"] = *m.Temperature
		}
		body["recording"] = m.Recording
		body["connected"] = m.Connected
	case TypeSensorData:
		values := m.Values
		if values == nil {
			values = map[string]float64{}
		}
		body["values"] = values
	case TypeAck:
		body["cmd"] = m.Cmd
		body["status"] = m.Status
		if m.Info != "" {
			body["message"] = m.Info
		}
	case TypeFileInfo:
		body["name"] = m.Name
		body["size"] = m.Size
	case TypeFileChunk:
		body["seq"] = m.Seq
		body["data"] = m.Data
	case TypeFileEnd:
		body["name"] = m.Name
	case TypeStartRecord:
		body["session_id"] = m.SessionID
		body["record_video"] = m.RecordVideo
		body["record_thermal"] = m.RecordThermal
		body["record_shimmer"] = m.RecordShimmer
	case TypeStopRecord:
		// 无额外字段
	case TypeFlashSync:
		body["duration_ms"] = m.DurationMs
		if m.SyncID != "" {
			body["sync_id"] = m.SyncID
		}
	case TypeBeepSync:
		body["frequency_hz"] = m.FrequencyHz
		body["duration_ms"] = m.DurationMs
		body["volume"] = m.Volume
		if m.SyncID != "" {
			body["sync_id"] = m.SyncID
		}
	default:
		// 未知类型：透传全部原始键值
		for k, v := range m.Extra {
			body[k] = v
		}
	}

	return json.Marshal(body)
}

// DecodeMessage 从 JSON 字节解析消息
// 缺失 timestamp 时由控制端补齐；未知 type 保留为透传消息
func DecodeMessage(data []byte) (*Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse message body: %w", err)
	}

	msgType, ok := raw["type"].(string)
	if !ok || msgType == "" {
		return nil, fmt.Errorf("message has no type field")
	}

	m := &Message{Type: msgType}

	if ts, ok := toFloat(raw["timestamp"]); ok {
		m.Timestamp = ts
	} else {
		m.Timestamp = nowUnix()
	}

	switch msgType {
	case TypeHello:
		m.DeviceID = toString(raw["device_id"])
		m.Capabilities = toStringSlice(raw["capabilities"])
	case TypeStatus:
		m.Battery = toFloatPtr(raw["battery"])
		m.Storage = toFloatPtr(raw["storage"])
		m.Temperature = toFloatPtr(raw["temperature"])
		m.Recording = toBool(raw["recording"])
		m.Connected = toBool(raw["connected"])
	case TypeSensorData:
		m.Values = toFloatMap(raw["values"])
	case TypeAck:
		m.Cmd = toString(raw["cmd"])
		m.Status = toString(raw["status"])
		m.Info = toString(raw["message"])
	case TypeFileInfo:
		m.Name = toString(raw["name"])
		m.Size = toInt64(raw["size"])
	case TypeFileChunk:
		m.Seq = int(toInt64(raw["seq"]))
		m.Data = toString(raw["data"])
	case TypeFileEnd:
		m.Name = toString(raw["name"])
	case TypeStartRecord:
		m.SessionID = toString(raw["session_id"])
		m.RecordVideo = toBool(raw["record_video"])
		m.RecordThermal = toBool(raw["record_thermal"])
		m.RecordShimmer = toBool(raw["record_shimmer"])
	case TypeStopRecord:
		// 无额外字段
	case TypeFlashSync:
		m.DurationMs = int(toInt64(raw["duration_ms"]))
		m.SyncID = toString(raw["sync_id"])
	case TypeBeepSync:
		m.FrequencyHz, _ = toFloat(raw["frequency_hz"])
		m.DurationMs = int(toInt64(raw["duration_ms"]))
		m.Volume, _ = toFloat(raw["volume"])
		m.SyncID = toString(raw["sync_id"])
	default:
		// 未知类型：除 type/timestamp 外全部保留
		extra := make(map[string]any, len(raw))
		for k, v := range raw {
			if k == "type" || k == "timestamp" {
				continue
			}
			extra[k] = v
		}
		m.Extra = extra
	}

	return m, nil
}

// ============================================
// JSON 值转换辅助函数（json.Unmarshal 的数值均为 float64）
// ============================================

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	}
	return 0, false
}

func toFloatPtr(v any) *float64 {
	if f, ok := toFloat(v); ok {
		return &f
	}
	return nil
}

func toInt64(v any) int64 {
	if f, ok := toFloat(v); ok {
		return int64(f)
	}
	return 0
}

func toStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

func toFloatMap(v any) map[string]float64 {
	items, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	result := make(map[string]float64, len(items))
	for k, item := range items {
		if f, ok := toFloat(item); ok {
			result[k] = f
		}
	}
	return result
}
