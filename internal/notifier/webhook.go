package notifier

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub002/internal/session"
)

// WebhookNotifier 会话完成通知器
// 会话结束后把 SessionInfo JSON POST 到配置的地址，驱动下游处理
// 流水线（如离线分析任务）；失败只记 warn
type WebhookNotifier struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

// NewWebhookNotifier 创建通知器
func NewWebhookNotifier(url string, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WebhookNotifier{
		httpClient: client,
		url:        url,
		logger:     logger,
	}
}

// NotifySessionComplete 推送一次会话完成通知
func (n *WebhookNotifier) NotifySessionComplete(info *session.SessionInfo) error {
	n.logger.Info("Sending session completion webhook",
		zap.String("session_id", info.SessionID),
		zap.String("url", n.url),
	)

	resp, err := n.httpClient.R().
		SetBody(info).
		Post(n.url)

	if err != nil {
		n.logger.Warn("Session webhook failed",
			zap.String("session_id", info.SessionID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to send session webhook: %w", err)
	}
	if resp.StatusCode() >= 300 {
		n.logger.Warn("Session webhook rejected",
			zap.String("session_id", info.SessionID),
			zap.Int("status_code", resp.StatusCode()),
		)
		return fmt.Errorf("session webhook returned status %d", resp.StatusCode())
	}

	n.logger.Debug("Session webhook delivered",
		zap.String("session_id", info.SessionID),
		zap.Int("status_code", resp.StatusCode()),
	)
	return nil
}
