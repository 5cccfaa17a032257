package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxMessageSize 单帧消息体默认上限（1 MiB）
const DefaultMaxMessageSize = 1 << 20

// FrameHeaderSize 帧头长度（4 字节无符号大端序）
const FrameHeaderSize = 4

var (
	// ErrEmptyFrame 声明长度为 0 的非法帧
	ErrEmptyFrame = errors.New("frame length is zero")
	// ErrFrameTooLarge 声明长度超过上限的非法帧
	ErrFrameTooLarge = errors.New("frame exceeds max message size")
)

// EncodeFrame 编码消息为线上帧：[4字节大端长度][UTF-8 JSON 消息体]
func EncodeFrame(m *Message, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}

	body, err := EncodeMessage(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if len(body) > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), maxSize)
	}

	frame := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:FrameHeaderSize], uint32(len(body)))
	copy(frame[FrameHeaderSize:], body)
	return frame, nil
}

// ReadFrame 从流中读取一个完整帧，返回消息体字节
// 读取使用 io.ReadFull，EOF 处的半帧视为连接关闭而非数据损坏；
// 声明长度非法（0 或超限）返回 ErrEmptyFrame/ErrFrameTooLarge，
// 调用方应据此关闭连接
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}

	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if int(length) > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// IsFrameSizeError 判断错误是否为帧长度违规（需要关闭连接的协议错误）
func IsFrameSizeError(err error) bool {
	return errors.Is(err, ErrEmptyFrame) || errors.Is(err, ErrFrameTooLarge)
}
