package transfer

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/session"
)

// SessionRecorder 完成文件上报目标（由会话编排器实现）
type SessionRecorder interface {
	ActiveSessionID() (string, bool)
	RecordFile(deviceID string, file session.FileRecord)
}

// pendingTransfer 进行中的文件传输
type pendingTransfer struct {
	name          string
	declaredSize  int64
	receivedBytes int64 // 单调不减
	chunks        map[int][]byte
	startTime     time.Time
	sessionID     string
}

// Manager 文件传输管理器
// 按 (device, name) 重组 file_info/file_chunk/file_end 序列，落盘到输出目录；
// 孤儿 file_end/file_chunk 记录异常日志后忽略，不视为致命错误
type Manager struct {
	mu        sync.Mutex
	outputDir string
	pending   map[string]*pendingTransfer // key: deviceID + "/" + name

	sessions SessionRecorder
	logger   *zap.Logger
}

// NewManager 创建文件传输管理器
func NewManager(outputDir string, sessions SessionRecorder, logger *zap.Logger) *Manager {
	return &Manager{
		outputDir: outputDir,
		pending:   make(map[string]*pendingTransfer),
		sessions:  sessions,
		logger:    logger,
	}
}

// HandleMessage 处理文件相关消息，其余类型直接忽略
func (m *Manager) HandleMessage(deviceID string, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeFileInfo:
		m.handleFileInfo(deviceID, msg)
	case protocol.TypeFileChunk:
		m.handleFileChunk(deviceID, msg)
	case protocol.TypeFileEnd:
		m.handleFileEnd(deviceID, msg)
	}
}

// DropDevice 设备断开时丢弃其全部未完成传输
func (m *Manager) DropDevice(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := deviceID + "/"
	for key, pt := range m.pending {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(m.pending, key)
			m.logger.Warn("Discarding incomplete file transfer, device disconnected",
				zap.String("device_id", deviceID),
				zap.String("name", pt.name),
				zap.Int64("received_bytes", pt.receivedBytes),
			)
		}
	}
}

// PendingCount 进行中的传输数（监控/测试用）
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) handleFileInfo(deviceID string, msg *protocol.Message) {
	if msg.Name == "" {
		m.logger.Warn("Ignoring file_info without name",
			zap.String("device_id", deviceID),
		)
		return
	}

	sessionID := ""
	if m.sessions != nil {
		sessionID, _ = m.sessions.ActiveSessionID()
	}

	m.mu.Lock()
	key := deviceID + "/" + msg.Name
	if _, exists := m.pending[key]; exists {
		m.logger.Warn("Restarting file transfer, previous one incomplete",
			zap.String("device_id", deviceID),
			zap.String("name", msg.Name),
		)
	}
	m.pending[key] = &pendingTransfer{
		name:         msg.Name,
		declaredSize: msg.Size,
		chunks:       make(map[int][]byte),
		startTime:    time.Now(),
		sessionID:    sessionID,
	}
	m.mu.Unlock()

	m.logger.Info("File transfer started",
		zap.String("device_id", deviceID),
		zap.String("name", msg.Name),
		zap.Int64("declared_size", msg.Size),
		zap.String("session_id", sessionID),
	)
}

func (m *Manager) handleFileChunk(deviceID string, msg *protocol.Message) {
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		m.logger.Warn("Dropping file chunk with invalid base64 data",
			zap.String("device_id", deviceID),
			zap.Int("seq", msg.Seq),
			zap.Error(err),
		)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// chunk 不携带文件名：归属该设备唯一进行中的传输
	pt := m.findSingle(deviceID)
	if pt == nil {
		m.logger.Warn("Orphan file chunk, no pending transfer",
			zap.String("device_id", deviceID),
			zap.Int("seq", msg.Seq),
		)
		return
	}

	if prev, dup := pt.chunks[msg.Seq]; dup {
		// 重传分片覆盖旧数据，字节数保持单调
		pt.receivedBytes += int64(len(data)) - int64(len(prev))
	} else {
		pt.receivedBytes += int64(len(data))
	}
	pt.chunks[msg.Seq] = data
}

func (m *Manager) handleFileEnd(deviceID string, msg *protocol.Message) {
	m.mu.Lock()
	key := deviceID + "/" + msg.Name
	pt, exists := m.pending[key]
	if exists {
		delete(m.pending, key)
	}
	m.mu.Unlock()

	if !exists {
		m.logger.Warn("Orphan file_end, no matching transfer",
			zap.String("device_id", deviceID),
			zap.String("name", msg.Name),
		)
		return
	}

	path, size, err := m.finalize(deviceID, pt)
	if err != nil {
		m.logger.Error("Failed to finalize file transfer",
			zap.String("device_id", deviceID),
			zap.String("name", pt.name),
			zap.Error(err),
		)
		return
	}

	if pt.declaredSize > 0 && size != pt.declaredSize {
		m.logger.Warn("File size mismatch",
			zap.String("device_id", deviceID),
			zap.String("name", pt.name),
			zap.Int64("declared_size", pt.declaredSize),
			zap.Int64("actual_size", size),
		)
	}

	m.logger.Info("File transfer completed",
		zap.String("device_id", deviceID),
		zap.String("name", pt.name),
		zap.String("path", path),
		zap.Int64("size", size),
		zap.Duration("elapsed", time.Since(pt.startTime)),
	)

	if m.sessions != nil && pt.sessionID != "" {
		m.sessions.RecordFile(deviceID, session.FileRecord{
			Name:       pt.name,
			Size:       size,
			Path:       path,
			ReceivedAt: time.Now(),
		})
	}
}

// finalize 按分片序号重组并写盘，返回落盘路径与实际字节数
func (m *Manager) finalize(deviceID string, pt *pendingTransfer) (string, int64, error) {
	sessionDir := pt.sessionID
	if sessionDir == "" {
		sessionDir = "unassigned"
	}
	dir := filepath.Join(m.outputDir, sessionDir, deviceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	seqs := make([]int, 0, len(pt.chunks))
	for seq := range pt.chunks {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)

	var content []byte
	for _, seq := range seqs {
		content = append(content, pt.chunks[seq]...)
	}

	// 只取基础文件名，防止设备端构造路径逃逸输出目录
	path := filepath.Join(dir, filepath.Base(pt.name))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", 0, fmt.Errorf("failed to write file: %w", err)
	}

	return path, int64(len(content)), nil
}

// findSingle 返回设备唯一的进行中传输；同名并发传输时取最新开始的
func (m *Manager) findSingle(deviceID string) *pendingTransfer {
	prefix := deviceID + "/"
	var latest *pendingTransfer
	for key, pt := range m.pending {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			if latest == nil || pt.startTime.After(latest.startTime) {
				latest = pt
			}
		}
	}
	return latest
}
