package server

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/protocol"
)

// 断连原因（observability 用，走同一条清理路径）
const (
	ReasonConnectionClosed = "connection_closed"
	ReasonProtocolError    = "protocol_error"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonServerShutdown   = "server_shutdown"
)

// 单次消息发送的写超时
const writeTimeout = 10 * time.Second

// conn 单个已接受连接的句柄，独占接收循环
// 实现 registry.Link
type conn struct {
	srv    *Server
	sock   net.Conn
	logger *zap.Logger

	// 仅接收循环协程写入，hello 注册后不再改变
	deviceID string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(srv *Server, sock net.Conn) *conn {
	return &conn{
		srv:    srv,
		sock:   sock,
		logger: srv.logger.With(zap.String("remote_addr", sock.RemoteAddr().String())),
	}
}

// run 阻塞接收循环：读帧 → 解码 → 按消息类型处理
// 读失败（EOF、超时、帧长度违规）或服务关停时退出并清理
func (c *conn) run() {
	defer c.srv.wg.Done()

	reason := ReasonConnectionClosed
	for {
		// hello 之前施加空闲读超时，完成注册后心跳监控接管活性判定
		if c.deviceID == "" {
			_ = c.sock.SetReadDeadline(time.Now().Add(c.srv.idleReadTimeout))
		}

		body, err := protocol.ReadFrame(c.sock, c.srv.maxMessageBytes)
		if err != nil {
			if c.srv.isShuttingDown() {
				reason = ReasonServerShutdown
			} else if protocol.IsFrameSizeError(err) {
				reason = ReasonProtocolError
				c.logger.Warn("Frame length violation, closing connection",
					zap.String("device_id", c.deviceID),
					zap.Error(err),
				)
			} else {
				c.logger.Debug("Connection read ended",
					zap.String("device_id", c.deviceID),
					zap.Error(err),
				)
			}
			break
		}

		msg, err := protocol.DecodeMessage(body)
		if err != nil {
			// 消息体损坏不拆连接，继续等下一帧
			c.logger.Warn("Dropping malformed message",
				zap.String("device_id", c.deviceID),
				zap.Error(err),
			)
			continue
		}

		c.handleMessage(msg)
	}

	c.cleanup(reason)
}

// handleMessage 处理一条解码后的消息
func (c *conn) handleMessage(msg *protocol.Message) {
	// 身份未建立：只接受 hello，其余消息记录后忽略（给出宽限期，不断连）
	if c.deviceID == "" {
		if msg.Type != protocol.TypeHello {
			c.logger.Warn("Ignoring message before hello",
				zap.String("type", msg.Type),
			)
			return
		}
		if msg.DeviceID == "" {
			c.logger.Warn("Ignoring hello without device_id")
			return
		}

		// 重复 device_id：新连接获胜，旧连接由此处关闭
		displaced := c.srv.registry.Register(msg.DeviceID, msg.Capabilities, c.sock.RemoteAddr().String(), c)
		if displaced != nil {
			displaced.Close()
		}
		c.deviceID = msg.DeviceID

		// 注册完成，撤销空闲读超时
		_ = c.sock.SetReadDeadline(time.Time{})

		if device, ok := c.srv.registry.Get(c.deviceID); ok {
			c.srv.dispatcher.DispatchConnected(c.deviceID, device)
		}
		return
	}

	// 任何入站消息都刷新活性
	c.srv.registry.UpdateHeartbeat(c.deviceID, time.Now())

	if msg.Type == protocol.TypeStatus {
		c.srv.registry.UpdateStatus(c.deviceID, statusFields(msg))
	}

	c.srv.dispatcher.DispatchMessage(c.deviceID, msg)
}

// Send 编码并完整写出一条消息，任何失败触发断连清理并返回 false
func (c *conn) Send(msg *protocol.Message) bool {
	frame, err := protocol.EncodeFrame(msg, c.srv.maxMessageBytes)
	if err != nil {
		c.logger.Error("Failed to encode outbound message",
			zap.String("device_id", c.deviceID),
			zap.String("type", msg.Type),
			zap.Error(err),
		)
		return false
	}

	c.writeMu.Lock()
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.sock.Write(frame)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Warn("Failed to send message to device",
			zap.String("device_id", c.deviceID),
			zap.String("type", msg.Type),
			zap.Error(err),
		)
		// 关闭套接字让接收循环退出，清理走统一路径
		c.Close()
		return false
	}
	return true
}

// Close 关闭底层连接（幂等；接收循环随之退出）
func (c *conn) Close() {
	c.closeOnce.Do(func() {
		_ = c.sock.Close()
	})
}

// RemoteAddr 对端地址
func (c *conn) RemoteAddr() string {
	return c.sock.RemoteAddr().String()
}

// cleanup 接收循环退出后的统一清理
// 条件注销保证：连接被更新连接顶替时不误删新条目、不重复发断连事件
func (c *conn) cleanup(reason string) {
	c.Close()
	c.srv.removeConn(c)

	if c.deviceID == "" {
		return
	}
	if c.srv.registry.Unregister(c.deviceID, c) {
		c.srv.dispatcher.DispatchDisconnected(c.deviceID, reason)
	}
}

// statusFields 从 status 消息提取注册表状态字段（可选字段缺省不写入）
func statusFields(msg *protocol.Message) map[string]any {
	status := map[string]any{
		"recording": msg.Recording,
		"connected": msg.Connected,
	}
	if msg.Battery != nil {
		status["battery"] = *msg.Battery
	}
	if msg.Storage != nil {
		status["storage"] = *msg.Storage
	}
	if msg.Temperature != nil {
		status["temperature"] = *msg.Temperature
	}
	return status
}
