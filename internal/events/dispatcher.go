package events

import (
	"sync"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/registry"
)

// 会话生命周期事件名
const (
	SessionStarted = "session_started"
	SessionStopped = "session_stopped"
)

// MessageHandler 收到设备消息时的回调
type MessageHandler func(deviceID string, msg *protocol.Message)

// ConnectedHandler 设备注册成功时的回调
type ConnectedHandler func(deviceID string, device registry.Device)

// DisconnectedHandler 设备断开时的回调
// reason: connection_closed / protocol_error / heartbeat_timeout / server_shutdown
type DisconnectedHandler func(deviceID string, reason string)

// ErrorHandler 服务级错误回调，deviceID 为空表示非设备相关错误（如 accept 失败）
type ErrorHandler func(deviceID string, message string)

// SessionHandler 会话生命周期事件回调
type SessionHandler func(event string, sessionID string)

// Dispatcher 事件分发器（GUI / Web 面板 / 上层设备管理器的订阅入口）
// 分发时先拷贝订阅者列表再迭代，订阅者在回调中增删订阅不会破坏迭代
type Dispatcher struct {
	mu           sync.RWMutex
	message      []MessageHandler
	connected    []ConnectedHandler
	disconnected []DisconnectedHandler
	errors       []ErrorHandler
	session      []SessionHandler
}

// NewDispatcher 创建事件分发器
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// OnMessage 订阅设备消息事件
func (d *Dispatcher) OnMessage(h MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.message = append(d.message, h)
}

// OnDeviceConnected 订阅设备上线事件
func (d *Dispatcher) OnDeviceConnected(h ConnectedHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = append(d.connected, h)
}

// OnDeviceDisconnected 订阅设备离线事件
func (d *Dispatcher) OnDeviceDisconnected(h DisconnectedHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, h)
}

// OnError 订阅服务级错误事件
func (d *Dispatcher) OnError(h ErrorHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errors = append(d.errors, h)
}

// OnSession 订阅会话生命周期事件
func (d *Dispatcher) OnSession(h SessionHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session = append(d.session, h)
}

// DispatchMessage 分发设备消息（按订阅顺序同步调用）
func (d *Dispatcher) DispatchMessage(deviceID string, msg *protocol.Message) {
	d.mu.RLock()
	handlers := append([]MessageHandler(nil), d.message...)
	d.mu.RUnlock()

	for _, h := range handlers {
		h(deviceID, msg)
	}
}

// DispatchConnected 分发设备上线事件
func (d *Dispatcher) DispatchConnected(deviceID string, device registry.Device) {
	d.mu.RLock()
	handlers := append([]ConnectedHandler(nil), d.connected...)
	d.mu.RUnlock()

	for _, h := range handlers {
		h(deviceID, device)
	}
}

// DispatchDisconnected 分发设备离线事件
func (d *Dispatcher) DispatchDisconnected(deviceID string, reason string) {
	d.mu.RLock()
	handlers := append([]DisconnectedHandler(nil), d.disconnected...)
	d.mu.RUnlock()

	for _, h := range handlers {
		h(deviceID, reason)
	}
}

// DispatchError 分发服务级错误事件
func (d *Dispatcher) DispatchError(deviceID string, message string) {
	d.mu.RLock()
	handlers := append([]ErrorHandler(nil), d.errors...)
	d.mu.RUnlock()

	for _, h := range handlers {
		h(deviceID, message)
	}
}

// DispatchSession 分发会话生命周期事件
func (d *Dispatcher) DispatchSession(event string, sessionID string) {
	d.mu.RLock()
	handlers := append([]SessionHandler(nil), d.session...)
	d.mu.RUnlock()

	for _, h := range handlers {
		h(event, sessionID)
	}
}
