package stream

import (
	"context"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	rediscommon "github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/common/redis"
)

// Sample 发布到数据流的标准化传感器样本
type Sample struct {
	DeviceID   string             `json:"device_id"`
	DeviceType string             `json:"device_type"`
	Values     map[string]float64 `json:"values"`
	SessionID  string             `json:"session_id,omitempty"`
	Timestamp  float64            `json:"timestamp"`
}

// Publisher 传感器数据流发布器
// 每条 sensor_data 以标准化封套写入 Redis Stream，供下游消费端
// （面板聚合、报警评估等）按消费者组读取；发布失败只记日志，
// 绝不影响录制数据通路
type Publisher struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewPublisher 创建数据流发布器
func NewPublisher(client *redis.Client, stream string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// PublishSample 发布一条传感器样本（尽力而为）
func (p *Publisher) PublishSample(ctx context.Context, sample Sample) {
	if sample.DeviceType == "" {
		sample.DeviceType = "Shimmer"
	}

	id, err := rediscommon.PublishJSONToStream(ctx, p.client, p.stream, sample)
	if err != nil {
		p.logger.Warn("Failed to publish sensor sample to stream",
			zap.String("device_id", sample.DeviceID),
			zap.String("stream", p.stream),
			zap.Error(err),
		)
		return
	}

	p.logger.Debug("Sensor sample published",
		zap.String("device_id", sample.DeviceID),
		zap.String("stream", p.stream),
		zap.String("message_id", id),
	)
}
