package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	rediscommon "wisefido-geofence/internal/common/redis"
	"wisefido-geofence/internal/models"
)

// StreamConfig Redis Streams 定位输入配置
type StreamConfig struct {
	Stream    string
	Group     string
	Consumer  string
	BatchSize int64
	Block     time.Duration
	Buffer    int
}

// StreamMetrics 消费统计
type StreamMetrics struct {
	MessagesProcessed atomic.Int64
	MessagesFailed    atomic.Int64
}

// PositionStreamConsumer 从 Redis Streams 消费定位点（消费者组，处理后 ACK）
type PositionStreamConsumer struct {
	client  *redis.Client
	config  StreamConfig
	logger  *zap.Logger
	metrics StreamMetrics
}

// NewPositionStreamConsumer 创建 Streams 定位消费者
func NewPositionStreamConsumer(client *redis.Client, cfg StreamConfig, logger *zap.Logger) *PositionStreamConsumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	return &PositionStreamConsumer{
		client: client,
		config: cfg,
		logger: logger,
	}
}

// Metrics 消费统计
func (c *PositionStreamConsumer) Metrics() (processed, failed int64) {
	return c.metrics.MessagesProcessed.Load(), c.metrics.MessagesFailed.Load()
}

// Fixes 实现 monitor.PositionSource
func (c *PositionStreamConsumer) Fixes(ctx context.Context) (<-chan models.PositionFix, error) {
	if err := rediscommon.CreateConsumerGroup(ctx, c.client, c.config.Stream, c.config.Group); err != nil {
		return nil, err
	}

	c.logger.Info("Position stream consumer started",
		zap.String("stream", c.config.Stream),
		zap.String("consumer_group", c.config.Group),
		zap.String("consumer_name", c.config.Consumer),
	)

	out := newFeed[models.PositionFix](ctx, c.config.Buffer)
	go func() {
		defer out.close()

		backoff := time.Second
		maxBackoff := 30 * time.Second
		for {
			if ctx.Err() != nil {
				return
			}
			if err := c.consumeOnce(ctx, out); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("Failed to consume position stream",
					zap.Error(err),
					zap.Duration("backoff", backoff),
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = time.Second
		}
	}()

	return out.ch, nil
}

func (c *PositionStreamConsumer) consumeOnce(ctx context.Context, out *feed[models.PositionFix]) error {
	messages, err := rediscommon.ReadFromStream(ctx, c.client,
		c.config.Stream, c.config.Group, c.config.Consumer,
		c.config.BatchSize, c.config.Block)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, msg := range messages {
		fix, err := decodeStreamFix(msg)
		if err != nil {
			c.metrics.MessagesFailed.Add(1)
			c.logger.Warn("Failed to decode position message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		} else if !out.send(fix) {
			// ctx 已取消：未投递的消息不 ACK，保持 pending
			return nil
		} else {
			c.metrics.MessagesProcessed.Add(1)
		}

		if err := rediscommon.Ack(ctx, c.client, c.config.Stream, c.config.Group, msg.ID); err != nil {
			c.logger.Warn("Failed to ack message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func decodeStreamFix(msg rediscommon.StreamMessage) (models.PositionFix, error) {
	var fix models.PositionFix
	data, err := msg.Data()
	if err != nil {
		return fix, err
	}
	if err := json.Unmarshal([]byte(data), &fix); err != nil {
		return fix, fmt.Errorf("failed to unmarshal position: %w", err)
	}
	return fix, nil
}
