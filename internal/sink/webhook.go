package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"wisefido-geofence/internal/models"
)

// WebhookConfig Webhook 配置
type WebhookConfig struct {
	URL        string
	Path       string
	Token      string
	Timeout    time.Duration
	RetryCount int
}

// WebhookSink 以 JSON POST 推送事件，5xx 与网络错误自动重试
type WebhookSink struct {
	httpClient *resty.Client
	path       string
}

// NewWebhookSink 创建 Webhook Sink
func NewWebhookSink(cfg WebhookConfig) *WebhookSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}

	client := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &WebhookSink{httpClient: client, path: cfg.Path}
}

func (s *WebhookSink) Record(ctx context.Context, event models.GeofenceEvent) error {
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", event.EventID).
		SetBody(event).
		Post(s.path)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
