package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"wisefido-geofence/internal/common/config"
	"wisefido-geofence/internal/models"
)

// KafkaPositionConsumer 从 Kafka 消费者组读取定位点（消息 key 为 device_id）
type KafkaPositionConsumer struct {
	group  sarama.ConsumerGroup
	topic  string
	buffer int
	logger *zap.Logger
}

// NewKafkaPositionConsumer 创建 Kafka 定位消费者
func NewKafkaPositionConsumer(cfg *config.KafkaConfig, buffer int, logger *zap.Logger) (*KafkaPositionConsumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Return.Errors = true
	// 新消费者组从最新位置开始：历史定位点对实时围栏无意义
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	saramaConfig.Consumer.MaxWaitTime = 250 * time.Millisecond

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}
	return newKafkaPositionConsumer(group, cfg.Topic, buffer, logger), nil
}

func newKafkaPositionConsumer(group sarama.ConsumerGroup, topic string, buffer int, logger *zap.Logger) *KafkaPositionConsumer {
	c := &KafkaPositionConsumer{
		group:  group,
		topic:  topic,
		buffer: buffer,
		logger: logger,
	}
	go func() {
		for err := range group.Errors() {
			logger.Warn("Kafka consumer group error", zap.String("topic", topic), zap.Error(err))
		}
	}()
	return c
}

// Fixes 实现 monitor.PositionSource
// 分区内有序：同一 device_id 的消息落在同一分区
func (c *KafkaPositionConsumer) Fixes(ctx context.Context) (<-chan models.PositionFix, error) {
	out := newFeed[models.PositionFix](ctx, c.buffer)
	handler := &positionClaimHandler{out: out, logger: c.logger}

	go func() {
		defer out.close()

		backoff := time.Second
		for {
			err := c.group.Consume(ctx, []string{c.topic}, handler)
			if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			if err != nil {
				c.logger.Error("Kafka consume failed",
					zap.String("topic", c.topic),
					zap.Duration("backoff", backoff),
					zap.Error(err),
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			// 重新平衡后继续消费
			backoff = time.Second
		}
	}()

	return out.ch, nil
}

// Close 关闭消费者组
func (c *KafkaPositionConsumer) Close() error {
	return c.group.Close()
}

// positionClaimHandler 实现 sarama.ConsumerGroupHandler
type positionClaimHandler struct {
	out    *feed[models.PositionFix]
	logger *zap.Logger
}

func (h *positionClaimHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *positionClaimHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *positionClaimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			var fix models.PositionFix
			if err := json.Unmarshal(message.Value, &fix); err != nil {
				h.logger.Warn("Failed to unmarshal kafka position",
					zap.String("topic", message.Topic),
					zap.Int32("partition", message.Partition),
					zap.Int64("offset", message.Offset),
					zap.Error(err),
				)
				session.MarkMessage(message, "")
				continue
			}
			if fix.DeviceID == "" {
				fix.DeviceID = string(message.Key)
			}
			if !h.out.send(fix) {
				return nil
			}
			session.MarkMessage(message, "")
		}
	}
}
