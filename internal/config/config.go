package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config sensor-hub（多传感器录制控制端）配置
type Config struct {
	// TCP 服务配置
	Server ServerConfig

	// 心跳监控配置
	Heartbeat HeartbeatConfig

	// 接收文件输出目录
	Output struct {
		Dir string
	}

	// Redis Streams 数据发布（可选）
	Stream struct {
		Enabled bool
		Name    string // 传感器数据流，如 "shimmer:data:stream"
	}

	DBEnabled bool
	Database  DatabaseConfig
	Redis     RedisConfig
	MQTT      MQTTConfig

	// 会话完成通知（可选，空地址表示关闭）
	Webhook struct {
		URL     string
		Timeout time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// ServerConfig TCP 服务配置
type ServerConfig struct {
	Port            int           // 监听端口（0 表示随机端口，用于测试）
	MaxMessageBytes int           // 单帧消息体上限
	IdleReadTimeout time.Duration // hello 之前的读超时
}

// HeartbeatConfig 心跳监控配置
type HeartbeatConfig struct {
	Interval time.Duration // 扫描间隔
	Timeout  time.Duration // 超过该时长无消息则判定离线
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置（事件桥接，可选）
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Load 从环境变量加载配置（均有默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	// TCP 服务
	cfg.Server.Port = parseInt(getEnv("SERVER_PORT", "9000"), 9000)
	cfg.Server.MaxMessageBytes = parseInt(getEnv("SERVER_MAX_MESSAGE_BYTES", "1048576"), 1048576)
	cfg.Server.IdleReadTimeout = secondsDuration(getEnv("SERVER_IDLE_READ_TIMEOUT_S", "30"), 30)

	// 心跳
	cfg.Heartbeat.Interval = secondsDuration(getEnv("HEARTBEAT_INTERVAL_S", "30"), 30)
	cfg.Heartbeat.Timeout = secondsDuration(getEnv("HEARTBEAT_TIMEOUT_S", "60"), 60)

	// 文件输出
	cfg.Output.Dir = getEnv("OUTPUT_DIR", "./recordings")

	// Redis Streams 发布
	cfg.Stream.Enabled = getEnv("STREAM_ENABLED", "false") == "true"
	cfg.Stream.Name = getEnv("SENSOR_STREAM", "shimmer:data:stream")

	// 数据库（默认关闭；开启后连接失败降级为无持久化）
	cfg.DBEnabled = getEnv("DB_ENABLED", "false") == "true"
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "sensorhub")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	// MQTT 事件桥接
	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "sensor-hub")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")

	// Webhook 通知
	cfg.Webhook.URL = getEnv("WEBHOOK_URL", "")
	cfg.Webhook.Timeout = secondsDuration(getEnv("WEBHOOK_TIMEOUT_S", "30"), 30)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(value string, defaultValue int) int {
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return defaultValue
}

// secondsDuration 解析秒数（支持小数）为 time.Duration
func secondsDuration(value string, defaultSeconds float64) time.Duration {
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds <= 0 {
		seconds = defaultSeconds
	}
	return time.Duration(seconds * float64(time.Second))
}
