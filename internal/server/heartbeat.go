package server

import (
	"time"

	"go.uber.org/zap"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/config"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/events"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/registry"
)

// HeartbeatMonitor 周期扫描注册表，驱逐超时无消息的设备
// 这是唯一因"沉默"而断开设备的路径（套接字错误走连接自身的清理）
type HeartbeatMonitor struct {
	interval time.Duration
	timeout  time.Duration

	registry   *registry.Registry
	dispatcher *events.Dispatcher
	logger     *zap.Logger

	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewHeartbeatMonitor 创建心跳监控
func NewHeartbeatMonitor(cfg *config.HeartbeatConfig, reg *registry.Registry, dispatcher *events.Dispatcher, logger *zap.Logger) *HeartbeatMonitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &HeartbeatMonitor{
		interval:   interval,
		timeout:    timeout,
		registry:   reg,
		dispatcher: dispatcher,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start 启动监控协程
func (m *HeartbeatMonitor) Start() {
	if m.started {
		return
	}
	m.started = true
	m.logger.Info("Heartbeat monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("timeout", m.timeout),
	)
	go m.run()
}

// Stop 停止监控并等待协程退出
func (m *HeartbeatMonitor) Stop() {
	if !m.started {
		return
	}
	m.started = false
	close(m.stop)
	<-m.done
	m.logger.Info("Heartbeat monitor stopped")
}

func (m *HeartbeatMonitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.stop:
			return
		}
	}
}

// sweep 单次扫描：驱逐 last_heartbeat 早于超时阈值的设备
// 条件注销保证每台被驱逐设备恰好发出一次断连事件
func (m *HeartbeatMonitor) sweep(now time.Time) {
	for deviceID, device := range m.registry.Snapshot() {
		silence := now.Sub(device.LastHeartbeat)
		if silence <= m.timeout {
			continue
		}

		link, _ := m.registry.GetLink(deviceID)
		if !m.registry.Unregister(deviceID, link) {
			continue
		}
		if link != nil {
			link.Close()
		}

		m.logger.Warn("Device evicted after heartbeat timeout",
			zap.String("device_id", deviceID),
			zap.Duration("silence", silence),
		)
		m.dispatcher.DispatchDisconnected(deviceID, ReasonHeartbeatTimeout)
	}
}
