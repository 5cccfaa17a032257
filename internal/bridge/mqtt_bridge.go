package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	mqttcommon "github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/common/mqtt"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/session"
)

// 事件与命令主题
const (
	TopicDeviceEvents  = "sensor-hub/events/device"
	TopicSessionEvents = "sensor-hub/events/session"
	TopicErrorEvents   = "sensor-hub/events/error"
	TopicCommand       = "sensor-hub/command"
)

// CommandSink 远程命令的执行方（由 Hub 门面实现）
type CommandSink interface {
	StartSession(sessionID string, opts session.Options) bool
	StopSession() *session.SessionInfo
	TriggerFlashSync(durationMs int) int
	TriggerBeepSync(frequencyHz float64, durationMs int, volume float64) int
}

// remoteCommand sensor-hub/command 主题上的命令格式
type remoteCommand struct {
	Action        string  `json:"action"`
	SessionID     string  `json:"session_id"`
	RecordVideo   bool    `json:"record_video"`
	RecordThermal bool    `json:"record_thermal"`
	RecordShimmer bool    `json:"record_shimmer"`
	DurationMs    int     `json:"duration_ms"`
	FrequencyHz   float64 `json:"frequency_hz"`
	Volume        float64 `json:"volume"`
}

// Bridge MQTT 事件桥
// 把核心事件转发到 broker（远程面板订阅），并接收远程控制命令；
// 全程尽力而为，broker 掉线不影响录制链路
type Bridge struct {
	client *mqttcommon.Client
	sink   CommandSink
	logger *zap.Logger
}

// NewBridge 创建事件桥
func NewBridge(client *mqttcommon.Client, sink CommandSink, logger *zap.Logger) *Bridge {
	return &Bridge{
		client: client,
		sink:   sink,
		logger: logger,
	}
}

// Start 订阅远程命令主题
func (b *Bridge) Start() error {
	if err := b.client.Subscribe(TopicCommand, 1, b.handleCommand); err != nil {
		return fmt.Errorf("failed to subscribe to command topic: %w", err)
	}
	b.logger.Info("MQTT bridge started",
		zap.String("command_topic", TopicCommand),
	)
	return nil
}

// Stop 取消订阅
func (b *Bridge) Stop() {
	if err := b.client.Unsubscribe(TopicCommand); err != nil {
		b.logger.Warn("Failed to unsubscribe from command topic", zap.Error(err))
	}
	b.logger.Info("MQTT bridge stopped")
}

// PublishDeviceEvent 发布设备上下线事件
func (b *Bridge) PublishDeviceEvent(event, deviceID, reason string) {
	b.publish(TopicDeviceEvents, map[string]any{
		"event":     event,
		"device_id": deviceID,
		"reason":    reason,
		"timestamp": time.Now().Unix(),
	})
}

// PublishSessionEvent 发布会话生命周期事件
func (b *Bridge) PublishSessionEvent(event, sessionID string) {
	b.publish(TopicSessionEvents, map[string]any{
		"event":      event,
		"session_id": sessionID,
		"timestamp":  time.Now().Unix(),
	})
}

// PublishError 发布服务级错误
func (b *Bridge) PublishError(deviceID, message string) {
	b.publish(TopicErrorEvents, map[string]any{
		"device_id": deviceID,
		"message":   message,
		"timestamp": time.Now().Unix(),
	})
}

func (b *Bridge) publish(topic string, payload map[string]any) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("Failed to marshal bridge event", zap.Error(err))
		return
	}
	if err := b.client.Publish(topic, 1, false, jsonData); err != nil {
		b.logger.Warn("Failed to publish bridge event",
			zap.String("topic", topic),
			zap.Error(err),
		)
	}
}

// handleCommand 处理远程命令，格式非法只记日志丢弃
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	var cmd remoteCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("Dropping malformed remote command",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return nil
	}

	b.logger.Info("Remote command received",
		zap.String("action", cmd.Action),
		zap.String("session_id", cmd.SessionID),
	)

	switch cmd.Action {
	case "start_session":
		if cmd.SessionID == "" {
			b.logger.Warn("Dropping start_session command without session_id")
			return nil
		}
		ok := b.sink.StartSession(cmd.SessionID, session.Options{
			RecordVideo:   cmd.RecordVideo,
			RecordThermal: cmd.RecordThermal,
			RecordShimmer: cmd.RecordShimmer,
		})
		if !ok {
			b.logger.Warn("Remote start_session rejected",
				zap.String("session_id", cmd.SessionID),
			)
		}
	case "stop_session":
		if b.sink.StopSession() == nil {
			b.logger.Warn("Remote stop_session with no active session")
		}
	case "flash_sync":
		b.sink.TriggerFlashSync(cmd.DurationMs)
	case "beep_sync":
		b.sink.TriggerBeepSync(cmd.FrequencyHz, cmd.DurationMs, cmd.Volume)
	default:
		b.logger.Warn("Dropping unknown remote command",
			zap.String("action", cmd.Action),
		)
	}
	return nil
}
