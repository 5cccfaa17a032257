package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/config"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/events"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/registry"
)

// 关停时等待连接循环退出的兜底时限
const shutdownWaitTimeout = 5 * time.Second

// Server TCP 接入服务：监听端口，每个接受的连接独立一个接收协程
type Server struct {
	registry   *registry.Registry
	dispatcher *events.Dispatcher
	logger     *zap.Logger

	port            int
	maxMessageBytes int
	idleReadTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	running  bool

	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

// NewServer 创建接入服务
func NewServer(cfg *config.ServerConfig, reg *registry.Registry, dispatcher *events.Dispatcher, logger *zap.Logger) *Server {
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	idleTimeout := cfg.IdleReadTimeout
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}

	return &Server{
		registry:        reg,
		dispatcher:      dispatcher,
		logger:          logger,
		port:            cfg.Port,
		maxMessageBytes: maxBytes,
		idleReadTimeout: idleTimeout,
		conns:           make(map[*conn]struct{}),
	}
}

// Start 绑定端口并启动 accept 循环（端口 0 表示随机端口，测试用）
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}

	s.listener = listener
	s.running = true
	s.shuttingDown.Store(false)

	s.logger.Info("TCP server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Int("max_message_bytes", s.maxMessageBytes),
	)

	s.wg.Add(1)
	go s.acceptLoop(listener)

	return nil
}

// Addr 实际监听地址（Start 成功之后有效）
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop 关停：先关监听（不再接受新连接），再关闭全部活动连接，
// 有界等待各接收循环退出
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.shuttingDown.Store(true)
	listener := s.listener
	s.listener = nil
	live := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		live = append(live, c)
	}
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	for _, c := range live {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("TCP server stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server shutdown interrupted: %w", ctx.Err())
	case <-time.After(shutdownWaitTimeout):
		return fmt.Errorf("server shutdown timed out waiting for connections")
	}
}

// acceptLoop accept 循环
// 关停期间的 accept 错误吞掉；运行期间的 accept 错误为致命错误，
// 通过 on_error 上报后循环退出（是否重启由运维决定）
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		sock, err := listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return
			}
			s.logger.Error("Accept loop failed", zap.Error(err))
			s.dispatcher.DispatchError("", fmt.Sprintf("accept failed: %v", err))
			return
		}

		c := newConn(s, sock)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.logger.Debug("Connection accepted",
			zap.String("remote_addr", sock.RemoteAddr().String()),
		)

		s.wg.Add(1)
		go c.run()
	}
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) isShuttingDown() bool {
	return s.shuttingDown.Load()
}
