package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/bridge"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/cache"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/common/database"
	mqttcommon "github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/common/mqtt"
	rediscommon "github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/common/redis"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/config"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/events"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/notifier"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/repository"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/server"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/session"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/stream"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/transfer"
)

// HubService 多传感器录制控制端（整合各层）
// GUI / Web 面板 / 上层设备管理器统一经由本门面下发命令、订阅事件
type HubService struct {
	config *config.Config
	logger *zap.Logger

	// 核心组件
	registry        *registry.Registry
	dispatcher      *events.Dispatcher
	orchestrator    *session.Orchestrator
	transferManager *transfer.Manager
	tcpServer       *server.Server
	heartbeat       *server.HeartbeatMonitor

	// 可选集成（未启用时为 nil，全部尽力而为）
	redisClient      *redis.Client
	streamPublisher  *stream.Publisher
	statusCache      *cache.StatusCache
	db               *sql.DB
	sessionsRepo     *repository.SessionsRepository
	deviceEventsRepo *repository.DeviceEventsRepository
	mqttClient       *mqttcommon.Client
	eventBridge      *bridge.Bridge
	webhook          *notifier.WebhookNotifier
}

// NewHubService 创建控制端服务
func NewHubService(cfg *config.Config, logger *zap.Logger) (*HubService, error) {
	s := &HubService{
		config: cfg,
		logger: logger,
	}

	// 1. 核心状态：注册表 + 事件分发器
	s.registry = registry.NewRegistry(logger)
	s.dispatcher = events.NewDispatcher()

	// 2. 会话编排器
	s.orchestrator = session.NewOrchestrator(s.registry, s.dispatcher, logger)

	// 3. 文件传输管理器
	s.transferManager = transfer.NewManager(cfg.Output.Dir, s.orchestrator, logger)

	// 4. TCP 接入 + 心跳监控
	s.tcpServer = server.NewServer(&cfg.Server, s.registry, s.dispatcher, logger)
	s.heartbeat = server.NewHeartbeatMonitor(&cfg.Heartbeat, s.registry, s.dispatcher, logger)

	// 5. Redis（数据流发布 + 状态缓存），启用时连接失败直接失败
	if cfg.Stream.Enabled {
		s.redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rediscommon.Ping(ctx, s.redisClient); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		s.streamPublisher = stream.NewPublisher(s.redisClient, cfg.Stream.Name, logger)
		s.statusCache = cache.NewStatusCache(s.redisClient, 2*cfg.Heartbeat.Timeout, logger)
	}

	// 6. 数据库持久化（可选，连接失败降级为无持久化）
	if cfg.DBEnabled {
		db, err := database.NewPostgresDB(&cfg.Database)
		if err != nil {
			logger.Warn("Database unavailable, continuing without persistence",
				zap.Error(err),
			)
		} else {
			s.db = db
			s.sessionsRepo = repository.NewSessionsRepository(db, logger)
			s.deviceEventsRepo = repository.NewDeviceEventsRepository(db, logger)
		}
	}

	// 7. MQTT 事件桥（可选，broker 不可达降级为本地模式）
	if cfg.MQTT.Enabled {
		client, err := mqttcommon.NewClient(&cfg.MQTT, logger)
		if err != nil {
			logger.Warn("MQTT broker unavailable, event bridge disabled",
				zap.Error(err),
			)
		} else {
			s.mqttClient = client
			s.eventBridge = bridge.NewBridge(client, s, logger)
		}
	}

	// 8. 会话完成 Webhook 通知（可选）
	if cfg.Webhook.URL != "" {
		s.webhook = notifier.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Timeout, logger)
	}

	// 9. 内部订阅（先于外部订阅注册，保证编排器/传输先收到消息）
	s.wireEvents()

	return s, nil
}

// Start 启动服务
func (s *HubService) Start(ctx context.Context) error {
	s.logger.Info("Starting sensor hub",
		zap.Int("port", s.config.Server.Port),
		zap.Bool("stream_enabled", s.config.Stream.Enabled),
		zap.Bool("db_enabled", s.db != nil),
		zap.Bool("mqtt_enabled", s.eventBridge != nil),
	)

	if err := s.tcpServer.Start(); err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}
	s.heartbeat.Start()

	if s.eventBridge != nil {
		if err := s.eventBridge.Start(); err != nil {
			s.logger.Warn("Failed to start MQTT bridge", zap.Error(err))
		}
	}

	return nil
}

// Stop 停止服务：先停接入再停周边集成
func (s *HubService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping sensor hub")

	s.heartbeat.Stop()

	var stopErr error
	if err := s.tcpServer.Stop(ctx); err != nil {
		s.logger.Error("Failed to stop TCP server", zap.Error(err))
		stopErr = err
	}

	if s.eventBridge != nil {
		s.eventBridge.Stop()
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("Failed to close redis client", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Failed to close database", zap.Error(err))
		}
	}

	s.logger.Info("Sensor hub stopped")
	return stopErr
}

// Addr 实际监听地址（测试用）
func (s *HubService) Addr() string {
	addr := s.tcpServer.Addr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

// ============================================
// 设备级 API
// ============================================

// SendMessage 向指定设备发送消息
func (s *HubService) SendMessage(deviceID string, msg *protocol.Message) bool {
	link, ok := s.registry.GetLink(deviceID)
	if !ok {
		s.logger.Warn("Cannot send message, device not connected",
			zap.String("device_id", deviceID),
			zap.String("type", msg.Type),
		)
		return false
	}
	return link.Send(msg)
}

// BroadcastMessage 向全部在线设备独立发送，返回成功数
// 对单个设备的失败不中断其余发送
func (s *HubService) BroadcastMessage(msg *protocol.Message) int {
	successCount := 0
	for deviceID, link := range s.registry.Links() {
		if link.Send(msg) {
			successCount++
		} else {
			s.logger.Warn("Broadcast send failed",
				zap.String("device_id", deviceID),
				zap.String("type", msg.Type),
			)
		}
	}
	return successCount
}

// GetConnectedDevices 在线设备快照
func (s *HubService) GetConnectedDevices() map[string]registry.Device {
	return s.registry.Snapshot()
}

// ============================================
// 会话级 API
// ============================================

// StartSession 启动录制会话
func (s *HubService) StartSession(sessionID string, opts session.Options) bool {
	_, ok := s.StartSessionCount(sessionID, opts)
	return ok
}

// StartSessionCount 启动录制会话并返回收到命令的设备数
func (s *HubService) StartSessionCount(sessionID string, opts session.Options) (int, bool) {
	count, ok := s.orchestrator.StartSession(sessionID, opts)
	if !ok {
		return count, false
	}

	if s.sessionsRepo != nil {
		if info := s.orchestrator.CurrentSession(); info != nil {
			if err := s.sessionsRepo.InsertSession(context.Background(), info); err != nil {
				s.logger.Warn("Failed to persist session start",
					zap.String("session_id", sessionID),
					zap.Error(err),
				)
			}
		}
	}
	return count, true
}

// StopSession 停止录制会话，返回会话聚合信息；无活动会话返回 nil
func (s *HubService) StopSession() *session.SessionInfo {
	info := s.orchestrator.StopSession()
	if info == nil {
		return nil
	}

	if s.sessionsRepo != nil {
		if err := s.sessionsRepo.CompleteSession(context.Background(), info); err != nil {
			s.logger.Warn("Failed to persist session completion",
				zap.String("session_id", info.SessionID),
				zap.Error(err),
			)
		}
	}
	if s.webhook != nil {
		// 通知不阻塞调用方，失败已在通知器内记录
		go func(info session.SessionInfo) {
			_ = s.webhook.NotifySessionComplete(&info)
		}(*info)
	}
	return info
}

// GetCurrentSession 活动会话快照，无活动会话返回 nil
func (s *HubService) GetCurrentSession() *session.SessionInfo {
	return s.orchestrator.CurrentSession()
}

// GetSessionHistory 已完成会话历史
func (s *HubService) GetSessionHistory() []session.SessionInfo {
	return s.orchestrator.History()
}

// TriggerFlashSync 广播闪光同步命令，返回成功设备数
func (s *HubService) TriggerFlashSync(durationMs int) int {
	return s.BroadcastMessage(protocol.NewFlashSync(durationMs, uuid.New().String()))
}

// TriggerBeepSync 广播蜂鸣同步命令，返回成功设备数
func (s *HubService) TriggerBeepSync(frequencyHz float64, durationMs int, volume float64) int {
	return s.BroadcastMessage(protocol.NewBeepSync(frequencyHz, durationMs, volume, uuid.New().String()))
}

// ============================================
// 订阅 API（透传到事件分发器）
// ============================================

// OnMessage 订阅设备消息
func (s *HubService) OnMessage(h events.MessageHandler) { s.dispatcher.OnMessage(h) }

// OnDeviceConnected 订阅设备上线
func (s *HubService) OnDeviceConnected(h events.ConnectedHandler) { s.dispatcher.OnDeviceConnected(h) }

// OnDeviceDisconnected 订阅设备离线
func (s *HubService) OnDeviceDisconnected(h events.DisconnectedHandler) {
	s.dispatcher.OnDeviceDisconnected(h)
}

// OnError 订阅服务级错误
func (s *HubService) OnError(h events.ErrorHandler) { s.dispatcher.OnError(h) }

// OnSession 订阅会话生命周期事件
func (s *HubService) OnSession(h events.SessionHandler) { s.dispatcher.OnSession(h) }

// ============================================
// 内部事件接线
// ============================================

// wireEvents 注册内部订阅：数据入会话/数据流、文件入传输管理器、
// 状态入缓存、上下线入审计与事件桥
func (s *HubService) wireEvents() {
	s.dispatcher.OnMessage(func(deviceID string, msg *protocol.Message) {
		switch msg.Type {
		case protocol.TypeSensorData:
			s.orchestrator.RecordSample(deviceID)
			if s.streamPublisher != nil {
				sessionID, _ := s.orchestrator.ActiveSessionID()
				s.streamPublisher.PublishSample(context.Background(), stream.Sample{
					DeviceID:  deviceID,
					Values:    msg.Values,
					SessionID: sessionID,
					Timestamp: msg.Timestamp,
				})
			}
		case protocol.TypeFileInfo, protocol.TypeFileChunk, protocol.TypeFileEnd:
			s.transferManager.HandleMessage(deviceID, msg)
		case protocol.TypeStatus:
			if s.statusCache != nil {
				if device, ok := s.registry.Get(deviceID); ok {
					s.statusCache.UpdateDevice(context.Background(), device)
				}
			}
		case protocol.TypeAck:
			// Ack 只做记录，广播方不等待
			s.logger.Debug("Command acknowledged",
				zap.String("device_id", deviceID),
				zap.String("cmd", msg.Cmd),
				zap.String("status", msg.Status),
				zap.String("message", msg.Info),
			)
		}
	})

	s.dispatcher.OnDeviceConnected(func(deviceID string, device registry.Device) {
		if s.statusCache != nil {
			s.statusCache.UpdateDevice(context.Background(), device)
		}
		if s.deviceEventsRepo != nil {
			event := &repository.DeviceEvent{
				DeviceID:   deviceID,
				EventType:  repository.DeviceEventConnected,
				RemoteAddr: device.RemoteAddr,
			}
			if err := s.deviceEventsRepo.InsertDeviceEvent(context.Background(), event); err != nil {
				s.logger.Warn("Failed to persist device event", zap.Error(err))
			}
		}
		if s.eventBridge != nil {
			s.eventBridge.PublishDeviceEvent(repository.DeviceEventConnected, deviceID, "")
		}
	})

	s.dispatcher.OnDeviceDisconnected(func(deviceID string, reason string) {
		s.transferManager.DropDevice(deviceID)
		if s.statusCache != nil {
			s.statusCache.RemoveDevice(context.Background(), deviceID)
		}
		if s.deviceEventsRepo != nil {
			event := &repository.DeviceEvent{
				DeviceID:  deviceID,
				EventType: repository.DeviceEventDisconnected,
				Reason:    reason,
			}
			if err := s.deviceEventsRepo.InsertDeviceEvent(context.Background(), event); err != nil {
				s.logger.Warn("Failed to persist device event", zap.Error(err))
			}
		}
		if s.eventBridge != nil {
			s.eventBridge.PublishDeviceEvent(repository.DeviceEventDisconnected, deviceID, reason)
		}
	})

	s.dispatcher.OnSession(func(event string, sessionID string) {
		if s.eventBridge != nil {
			s.eventBridge.PublishSessionEvent(event, sessionID)
		}
	})

	s.dispatcher.OnError(func(deviceID string, message string) {
		if s.eventBridge != nil {
			s.eventBridge.PublishError(deviceID, message)
		}
	})
}
