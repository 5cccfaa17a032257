package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/registry"
)

// 设备状态缓存键格式
const statusKeyFormat = "sensor-hub:device:%s:status"

// deviceStatus 缓存中的设备状态条目
type deviceStatus struct {
	DeviceID      string         `json:"device_id"`
	Capabilities  []string       `json:"capabilities"`
	Status        map[string]any `json:"status"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Connected     bool           `json:"connected"`
}

// StatusCache 设备状态 Redis 缓存
// 把注册表状态镜像到带 TTL 的键，面板直接读缓存而不打到控制端；
// 写失败只记日志
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewStatusCache 创建状态缓存，ttl 通常取 2 倍心跳超时
func NewStatusCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *StatusCache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &StatusCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// UpdateDevice 写入/刷新设备状态条目
func (c *StatusCache) UpdateDevice(ctx context.Context, device registry.Device) {
	entry := deviceStatus{
		DeviceID:      device.DeviceID,
		Capabilities:  device.Capabilities,
		Status:        device.Status,
		LastHeartbeat: device.LastHeartbeat,
		Connected:     true,
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		c.logger.Error("Failed to marshal device status",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
		return
	}

	key := fmt.Sprintf(statusKeyFormat, device.DeviceID)
	if err := c.client.Set(ctx, key, jsonData, c.ttl).Err(); err != nil {
		c.logger.Warn("Failed to update device status cache",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
	}
}

// RemoveDevice 设备离线时删除状态条目
func (c *StatusCache) RemoveDevice(ctx context.Context, deviceID string) {
	key := fmt.Sprintf(statusKeyFormat, deviceID)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("Failed to remove device status cache",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
}

// GetDevice 读取设备状态条目（面板/测试用），未命中返回 false
func (c *StatusCache) GetDevice(ctx context.Context, deviceID string) (registry.Device, bool, error) {
	key := fmt.Sprintf(statusKeyFormat, deviceID)
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return registry.Device{}, false, nil
		}
		return registry.Device{}, false, fmt.Errorf("failed to get status cache: %w", err)
	}

	var entry deviceStatus
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return registry.Device{}, false, fmt.Errorf("failed to unmarshal device status: %w", err)
	}

	return registry.Device{
		DeviceID:      entry.DeviceID,
		Capabilities:  entry.Capabilities,
		Status:        entry.Status,
		LastHeartbeat: entry.LastHeartbeat,
	}, true, nil
}
