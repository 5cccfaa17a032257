package session

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/events"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/registry"
)

// State 会话状态机状态：Idle → Starting → Active → Stopping → Idle
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
)

// String 状态名（日志用）
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// Options 录制会话选项
type Options struct {
	RecordVideo   bool `json:"record_video"`
	RecordThermal bool `json:"record_thermal"`
	RecordShimmer bool `json:"record_shimmer"`
}

// FileRecord 会话期间收到的设备文件
type FileRecord struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Path       string    `json:"path"`
	ReceivedAt time.Time `json:"received_at"`
}

// SessionInfo 一次录制会话的聚合信息
type SessionInfo struct {
	SessionID       string                  `json:"session_id"`
	Options         Options                 `json:"options"`
	StartTime       time.Time               `json:"start_time"`
	EndTime         *time.Time              `json:"end_time,omitempty"`
	Devices         []string                `json:"participating_devices"`
	DataSampleCount int64                   `json:"data_sample_count"`
	Files           map[string][]FileRecord `json:"files"`
}

// current 活动会话的内部可变状态
type current struct {
	info    SessionInfo
	devices map[string]struct{}
}

// Orchestrator 会话编排器
// 全局至多一个活动会话（check-and-set 串行化），广播为尽力而为：
// 对单个设备的发送失败不影响其他设备，成功数由调用方裁决
type Orchestrator struct {
	mu      sync.Mutex
	state   State
	active  *current
	history []SessionInfo

	registry   *registry.Registry
	dispatcher *events.Dispatcher
	logger     *zap.Logger
}

// NewOrchestrator 创建会话编排器
func NewOrchestrator(reg *registry.Registry, dispatcher *events.Dispatcher, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		state:      StateIdle,
		registry:   reg,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// State 当前状态
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// StartSession 启动会话：向全部在线设备广播 start_record
// 返回发送成功的设备数和是否启动成功；已有会话或广播成功数为 0 时启动失败
func (o *Orchestrator) StartSession(sessionID string, opts Options) (int, bool) {
	o.mu.Lock()
	if o.state != StateIdle {
		o.logger.Warn("Cannot start session, another session in progress",
			zap.String("session_id", sessionID),
			zap.String("state", o.state.String()),
		)
		o.mu.Unlock()
		return 0, false
	}
	o.state = StateStarting
	o.mu.Unlock()

	// 注册表快照可能在广播前过期：期间断开的设备发送直接失败并计为失败
	links := o.registry.Links()
	cmd := protocol.NewStartRecord(sessionID, opts.RecordVideo, opts.RecordThermal, opts.RecordShimmer)

	successCount := 0
	participants := make(map[string]struct{}, len(links))
	for deviceID, link := range links {
		if link.Send(cmd) {
			successCount++
			participants[deviceID] = struct{}{}
		} else {
			o.logger.Warn("Failed to send start command to device",
				zap.String("session_id", sessionID),
				zap.String("device_id", deviceID),
			)
		}
	}

	o.mu.Lock()
	if successCount == 0 {
		// 无任何设备收到命令，回滚到空闲，不保留会话
		o.state = StateIdle
		o.mu.Unlock()
		o.logger.Error("Session start failed, no device reachable",
			zap.String("session_id", sessionID),
			zap.Int("device_count", len(links)),
		)
		return 0, false
	}

	o.state = StateActive
	o.active = &current{
		info: SessionInfo{
			SessionID: sessionID,
			Options:   opts,
			StartTime: time.Now(),
			Files:     make(map[string][]FileRecord),
		},
		devices: participants,
	}
	o.mu.Unlock()

	o.logger.Info("Session started",
		zap.String("session_id", sessionID),
		zap.Int("device_count", successCount),
	)
	o.dispatcher.DispatchSession(events.SessionStarted, sessionID)

	return successCount, true
}

// StopSession 停止会话：广播 stop_record，会话归档到历史并返回
// 无活动会话时返回 nil
func (o *Orchestrator) StopSession() *SessionInfo {
	o.mu.Lock()
	if o.state != StateActive {
		o.logger.Warn("Cannot stop session, no active session",
			zap.String("state", o.state.String()),
		)
		o.mu.Unlock()
		return nil
	}
	o.state = StateStopping
	sessionID := o.active.info.SessionID
	o.mu.Unlock()

	links := o.registry.Links()
	cmd := protocol.NewStopRecord()
	stopped := 0
	for deviceID, link := range links {
		if link.Send(cmd) {
			stopped++
		} else {
			o.logger.Warn("Failed to send stop command to device",
				zap.String("session_id", sessionID),
				zap.String("device_id", deviceID),
			)
		}
	}

	o.mu.Lock()
	end := time.Now()
	o.active.info.EndTime = &end
	info := snapshotInfo(o.active)
	o.history = append(o.history, info)
	o.active = nil
	o.state = StateIdle
	o.mu.Unlock()

	o.logger.Info("Session stopped",
		zap.String("session_id", info.SessionID),
		zap.Int("stop_sent", stopped),
		zap.Int64("data_samples", info.DataSampleCount),
		zap.Int("device_count", len(info.Devices)),
	)
	o.dispatcher.DispatchSession(events.SessionStopped, info.SessionID)

	return &info
}

// RecordSample 活动会话期间收到一条传感器数据
// 计入样本数；快照之外的设备在会话中途发数据视为迟到加入而非错误
func (o *Orchestrator) RecordSample(deviceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateActive {
		return
	}
	o.active.info.DataSampleCount++
	o.active.devices[deviceID] = struct{}{}
}

// RecordFile 活动会话期间收到一个完整文件，记入该设备的清单
func (o *Orchestrator) RecordFile(deviceID string, file FileRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateActive {
		return
	}
	o.active.info.Files[deviceID] = append(o.active.info.Files[deviceID], file)
	o.active.devices[deviceID] = struct{}{}
}

// ActiveSessionID 活动会话ID，无活动会话时 ok 为 false
func (o *Orchestrator) ActiveSessionID() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateActive {
		return "", false
	}
	return o.active.info.SessionID, true
}

// CurrentSession 活动会话快照，无活动会话时返回 nil
func (o *Orchestrator) CurrentSession() *SessionInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateActive {
		return nil
	}
	info := snapshotInfo(o.active)
	return &info
}

// History 已完成会话历史（副本）
func (o *Orchestrator) History() []SessionInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]SessionInfo(nil), o.history...)
}

// snapshotInfo 生成会话信息的深拷贝，设备列表排序保证稳定输出
func snapshotInfo(c *current) SessionInfo {
	info := c.info

	devices := make([]string, 0, len(c.devices))
	for id := range c.devices {
		devices = append(devices, id)
	}
	sort.Strings(devices)
	info.Devices = devices

	files := make(map[string][]FileRecord, len(c.info.Files))
	for id, records := range c.info.Files {
		files[id] = append([]FileRecord(nil), records...)
	}
	info.Files = files

	return info
}
