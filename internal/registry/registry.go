package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/protocol"
)

// Link 已注册设备的连接句柄（由 server 包的连接实现）
type Link interface {
	// Send 发送消息，失败返回 false（不向调用方抛错）
	Send(msg *protocol.Message) bool
	// Close 关闭底层连接
	Close()
	// RemoteAddr 对端地址
	RemoteAddr() string
}

// Device 已连接设备的快照（只读副本，调用方修改不影响注册表）
type Device struct {
	DeviceID      string         `json:"device_id"`
	Capabilities  []string       `json:"capabilities"`
	ConnectedAt   time.Time      `json:"connected_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Status        map[string]any `json:"status"`
	RemoteAddr    string         `json:"remote_addr"`
}

// entry 注册表内部条目（含活动连接）
type entry struct {
	device Device
	link   Link
}

// Registry 设备注册表，"谁在线"的唯一权威来源
// 所有变更经写锁串行化；读取一律返回深拷贝
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*entry
	logger  *zap.Logger
}

// NewRegistry 创建设备注册表
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		devices: make(map[string]*entry),
		logger:  logger,
	}
}

// Register 注册设备
// 同一 device_id 重复注册时新连接获胜，返回被顶替的旧连接句柄
// （由调用方负责关闭），无顶替时返回 nil
func (r *Registry) Register(deviceID string, capabilities []string, remoteAddr string, link Link) Link {
	r.mu.Lock()
	defer r.mu.Unlock()

	var displaced Link
	if old, exists := r.devices[deviceID]; exists {
		displaced = old.link
		r.logger.Warn("Device re-registered, replacing stale connection",
			zap.String("device_id", deviceID),
			zap.String("old_addr", old.device.RemoteAddr),
			zap.String("new_addr", remoteAddr),
		)
	}

	now := time.Now()
	r.devices[deviceID] = &entry{
		device: Device{
			DeviceID:      deviceID,
			Capabilities:  append([]string(nil), capabilities...),
			ConnectedAt:   now,
			LastHeartbeat: now,
			Status:        make(map[string]any),
			RemoteAddr:    remoteAddr,
		},
		link: link,
	}

	r.logger.Info("Device registered",
		zap.String("device_id", deviceID),
		zap.Strings("capabilities", capabilities),
		zap.String("remote_addr", remoteAddr),
	)

	return displaced
}

// Unregister 条件注销：仅当条目仍属于给定连接时移除（link 为 nil 表示无条件）
// 返回是否实际移除，调用方据此决定是否发出断连事件（保证每次断连只发一次）
func (r *Registry) Unregister(deviceID string, link Link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.devices[deviceID]
	if !exists {
		return false
	}
	if link != nil && e.link != link {
		// 条目已被更新的连接接管，旧连接的清理不应移除它
		return false
	}

	delete(r.devices, deviceID)
	r.logger.Info("Device unregistered",
		zap.String("device_id", deviceID),
	)
	return true
}

// Get 按设备ID获取快照
func (r *Registry) Get(deviceID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.devices[deviceID]
	if !exists {
		return Device{}, false
	}
	return copyDevice(e.device), true
}

// GetLink 按设备ID获取连接句柄
func (r *Registry) GetLink(deviceID string) (Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.devices[deviceID]
	if !exists {
		return nil, false
	}
	return e.link, true
}

// Snapshot 全量快照（深拷贝，调用方可安全迭代/修改）
func (r *Registry) Snapshot() map[string]Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]Device, len(r.devices))
	for id, e := range r.devices {
		result[id] = copyDevice(e.device)
	}
	return result
}

// Links 全部连接句柄快照（广播用）
func (r *Registry) Links() map[string]Link {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]Link, len(r.devices))
	for id, e := range r.devices {
		result[id] = e.link
	}
	return result
}

// Count 在线设备数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// UpdateHeartbeat 刷新设备活跃时间
func (r *Registry) UpdateHeartbeat(deviceID string, t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.devices[deviceID]
	if !exists {
		return false
	}
	e.device.LastHeartbeat = t
	return true
}

// UpdateStatus 合并设备状态（部分更新，已有键被覆盖）
func (r *Registry) UpdateStatus(deviceID string, status map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.devices[deviceID]
	if !exists {
		return false
	}
	for k, v := range status {
		e.device.Status[k] = v
	}
	return true
}

func copyDevice(d Device) Device {
	c := d
	c.Capabilities = append([]string(nil), d.Capabilities...)
	c.Status = make(map[string]any, len(d.Status))
	for k, v := range d.Status {
		c.Status[k] = v
	}
	return c
}
